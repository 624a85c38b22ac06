package cascade

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrier-ai/harrier/internal/provider"
)

// Capability mirrors one entry of the external capability registry: a
// read-only mapping from capability name to type, description, and keywords.
// The cascade consumes a precomputed keyword→capability index derived from
// this mapping; it never scans files itself.
type Capability struct {
	Name        string        `yaml:"name"`
	Type        TargetKind    `yaml:"type"`
	Description string        `yaml:"description"`
	Keywords    []string      `yaml:"keywords"`
	Tier        provider.Tier `yaml:"tier"`
}

// registryFile is the YAML structure for a capability registry file.
type registryFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// LoadCapabilities reads a capability registry from a YAML file. Returns nil
// (not an error) if the file does not exist.
func LoadCapabilities(path string) ([]Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading capability registry %s: %w", path, err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing capability registry %s: %w", path, err)
	}
	return rf.Capabilities, nil
}

// KeywordIndex is the precomputed keyword→capability lookup for the registry
// stage. It is immutable after construction.
type KeywordIndex struct {
	keywords map[string][]int // lowercased keyword → capability indices
	caps     []Capability
}

// BuildIndex precomputes the keyword index from a capability list.
func BuildIndex(caps []Capability) *KeywordIndex {
	idx := &KeywordIndex{
		keywords: make(map[string][]int),
		caps:     append([]Capability(nil), caps...),
	}
	for i, c := range idx.caps {
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			idx.keywords[kw] = append(idx.keywords[kw], i)
		}
	}
	return idx
}

// Len returns the number of indexed capabilities.
func (x *KeywordIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.caps)
}

// registryMatch is one scored capability candidate.
type registryMatch struct {
	cap      *Capability
	keywords []string
	score    float64
}

// lookup scores capabilities against the request. A keyword matches when it
// appears as a substring of the lowercased request; the raw score for a
// capability is the length of its longest matched keyword relative to the
// request's first token, capped at 1.0. adjust scales the raw score by the
// feedback loop's confidence factor for the capability's handler. The
// highest-scoring capability with a non-empty match list wins; name order
// breaks exact ties so results stay deterministic.
func (x *KeywordIndex) lookup(request string, adjust func(handler string, tier provider.Tier) float64) *registryMatch {
	if x == nil || len(x.caps) == 0 {
		return nil
	}
	lower := strings.ToLower(request)
	firstToken := firstField(lower)
	if firstToken == "" {
		return nil
	}

	matched := make(map[int][]string)
	for kw, capIdxs := range x.keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		for _, ci := range capIdxs {
			matched[ci] = append(matched[ci], kw)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	candidates := make([]registryMatch, 0, len(matched))
	for ci, kws := range matched {
		longest := 0
		for _, kw := range kws {
			if len(kw) > longest {
				longest = len(kw)
			}
		}
		score := float64(longest) / float64(len(firstToken))
		if score > 1.0 {
			score = 1.0
		}
		if adjust != nil {
			score *= adjust(x.caps[ci].Name, x.caps[ci].Tier)
		}
		sort.Strings(kws)
		candidates = append(candidates, registryMatch{cap: &x.caps[ci], keywords: kws, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].cap.Name < candidates[j].cap.Name
	})
	return &candidates[0]
}

// firstField returns the first whitespace-separated token of s.
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
