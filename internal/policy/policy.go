// Package policy evaluates task admission rules with embedded OPA. Admission
// runs at submit time, before a task is persisted: a denied submission never
// enters the queue. Policy is operator configuration, not request data.
package policy

import (
	harrierotel "github.com/harrier-ai/harrier/internal/otel"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/policy")

// Admission holds the admission rule parameters loaded as OPA data.
type Admission struct {
	// MaxContentBytes bounds submitted task content; 0 disables the check.
	MaxContentBytes int `json:"max_content_bytes" yaml:"max_content_bytes"`

	// DeniedHandlers lists handler targets that may never be dispatched.
	DeniedHandlers []string `json:"denied_handlers" yaml:"denied_handlers"`

	// MaxPriorityRank caps the priority a submitter may request; -1 disables
	// the cap.
	MaxPriorityRank int `json:"max_priority_rank" yaml:"max_priority_rank"`

	// MaxTierRank caps the cost tier a classification may dispatch to; -1
	// disables the cap.
	MaxTierRank int `json:"max_tier_rank" yaml:"max_tier_rank"`
}

// Policy is the full policy document.
type Policy struct {
	VersionTag string    `json:"version" yaml:"version"`
	Admission  Admission `json:"admission" yaml:"admission"`
}

// Default returns the policy applied when no policy file is configured:
// everything admitted, content bounded at 256 KiB.
func Default() *Policy {
	return &Policy{
		VersionTag: "default",
		Admission: Admission{
			MaxContentBytes: 256 * 1024,
			MaxPriorityRank: -1,
			MaxTierRank:     -1,
		},
	}
}
