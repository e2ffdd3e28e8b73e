package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/armon/go-radix"
)

// Kind distinguishes the two supported network shapes.
type Kind string

const (
	KindSeq2Seq Kind = "seq2seq"
	KindCausal  Kind = "causal"
)

// ErrUnknownArchitecture is returned when a model name resolves to no
// registered family. Callers must treat this as fatal before any adapter
// or network construction.
var ErrUnknownArchitecture = errors.New("unknown model architecture family")

// Family describes one architecture family: its network shape, feed-forward
// variant and the sublayer names eligible for low-rank adaptation.
type Family struct {
	Name             string
	Kind             Kind
	GatedFFN         bool
	TargetModules    []string
	AttentionTargets []string
}

// families is keyed by model-name prefix. Longest-prefix wins, so "mt5"
// shadows "t5" for names like mt5-base.
var families = buildFamilyIndex([]Family{
	{
		Name:             "t5",
		Kind:             KindSeq2Seq,
		TargetModules:    []string{"v", "q", "k", "wi", "wo", "o", "lm_head"},
		AttentionTargets: []string{"v", "q", "k", "o"},
	},
	{
		Name:             "mt5",
		Kind:             KindSeq2Seq,
		GatedFFN:         true,
		TargetModules:    []string{"q", "wi_1", "k", "wi_0", "v", "wo", "o", "lm_head"},
		AttentionTargets: []string{"v", "q", "k", "o"},
	},
	{
		Name:             "flan-t5",
		Kind:             KindSeq2Seq,
		GatedFFN:         true,
		TargetModules:    []string{"q", "wi_1", "k", "wi_0", "v", "wo", "o", "lm_head"},
		AttentionTargets: []string{"v", "q", "k", "o"},
	},
	{
		Name:             "gpt2",
		Kind:             KindCausal,
		TargetModules:    []string{"v", "q", "k", "wi", "wo", "o", "lm_head"},
		AttentionTargets: []string{"v", "q", "k", "o"},
	},
})

func buildFamilyIndex(fams []Family) *radix.Tree {
	tree := radix.New()
	for _, f := range fams {
		tree.Insert(f.Name, f)
	}
	return tree
}

// normalizeModelName reduces a model name or path to the lowercase basename
// the family index is keyed on, e.g. "google/mt5-base" -> "mt5-base".
func normalizeModelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ResolveFamily maps a model name (or explicit model type) onto a registered
// architecture family by longest prefix match. The match is validated: an
// unrecognized name fails loudly instead of leaving the family undecided.
func ResolveFamily(nameOrType string) (Family, error) {
	key := normalizeModelName(nameOrType)
	if key == "" {
		return Family{}, fmt.Errorf("%w: empty model name", ErrUnknownArchitecture)
	}
	_, v, ok := families.LongestPrefix(key)
	if !ok {
		return Family{}, fmt.Errorf("%w: %q (known families: %s)", ErrUnknownArchitecture, nameOrType, strings.Join(FamilyNames(), ", "))
	}
	return v.(Family), nil
}

// FamilyNames lists the registered family keys, for error messages and docs.
func FamilyNames() []string {
	names := make([]string, 0, families.Len())
	families.Walk(func(k string, _ interface{}) bool {
		names = append(names, k)
		return false
	})
	return names
}
