package sandbox

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowgate-io/flowgate/internal/workflow"
)

// NamePrefix marks every sandbox workflow and node so its origin is
// unmistakable anywhere it shows up downstream.
const NamePrefix = "[SANDBOX] "

// DefaultSafeEndpoint is where outbound HTTP-request nodes are redirected
// when no endpoint is configured. It echoes the request back without side
// effects.
const DefaultSafeEndpoint = "https://postman-echo.com/post"

// Options controls per-request sanitization behavior.
type Options struct {
	// DisableExternalCalls redirects httpRequest nodes to the safe echo
	// endpoint. Nil means true: the caller must explicitly opt out of the
	// safety override.
	DisableExternalCalls *bool
	// MockData is seeded as pinned input on manual-trigger nodes so the
	// workflow can run without a real trigger event.
	MockData map[string]any
}

func (o Options) redirectHTTP() bool {
	return o.DisableExternalCalls == nil || *o.DisableExternalCalls
}

// Report summarizes what sanitization changed.
type Report struct {
	RedirectedHTTP    int
	DisabledNodes     []string
	RewrittenWebhooks int
}

// Sanitize produces an isolated copy of a workflow with all external side
// effects neutralized. Rules apply per node, each only to nodes of its
// matching kind:
//
//   - httpRequest: URL replaced with the safe echo endpoint, unless the
//     caller explicitly opted out.
//   - emailSend / slack / whatsapp: disabled outright.
//   - webhook: path replaced with a randomized sandbox-namespaced path so
//     it can never collide with or shadow a production webhook.
//   - manualTrigger: seeded with caller-supplied mock input.
//
// The copy is marked inactive and tagged sandbox/test so production
// schedulers never pick it up, and every node name is prefixed.
func Sanitize(w *workflow.Workflow, opts Options, safeEndpoint string) (*workflow.Workflow, *Report) {
	if safeEndpoint == "" {
		safeEndpoint = DefaultSafeEndpoint
	}

	clone := w.Clone()
	report := &Report{}

	for i := range clone.Nodes {
		node := &clone.Nodes[i]

		switch node.Type {
		case workflow.TypeHTTPRequest:
			if opts.redirectHTTP() {
				if node.Parameters == nil {
					node.Parameters = map[string]any{}
				}
				node.Parameters["url"] = safeEndpoint
				report.RedirectedHTTP++
			}

		case workflow.TypeEmailSend, workflow.TypeSlack, workflow.TypeWhatsApp:
			node.Disabled = true
			report.DisabledNodes = append(report.DisabledNodes, node.Name)

		case workflow.TypeWebhook:
			if node.Parameters == nil {
				node.Parameters = map[string]any{}
			}
			node.Parameters["path"] = fmt.Sprintf("sandbox/%s", uuid.NewString())
			report.RewrittenWebhooks++

		case workflow.TypeManualTrigger:
			if opts.MockData != nil {
				if clone.PinData == nil {
					clone.PinData = map[string]any{}
				}
				// Pin data is keyed by node ID, which renaming never touches.
				clone.PinData[node.ID] = opts.MockData
			}
		}

		node.Name = NamePrefix + node.Name
	}

	clone.ID = ""
	clone.Name = NamePrefix + clone.Name
	clone.Active = false
	clone.Tags = append(clone.Tags, "sandbox", "test")

	return clone, report
}
