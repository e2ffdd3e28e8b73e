package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFamily(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		family   string
		kind     Kind
		gatedFFN bool
	}{
		{"plain type", "t5", "t5", KindSeq2Seq, false},
		{"t5 checkpoint name", "t5-small", "t5", KindSeq2Seq, false},
		{"mt5 shadows t5", "mt5-base", "mt5", KindSeq2Seq, true},
		{"org-prefixed name", "google/mt5-small", "mt5", KindSeq2Seq, true},
		{"flan variant", "google/flan-t5-base", "flan-t5", KindSeq2Seq, true},
		{"causal family", "gpt2-medium", "gpt2", KindCausal, false},
		{"mixed case", "Google/MT5-Small", "mt5", KindSeq2Seq, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fam, err := ResolveFamily(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.family, fam.Name)
			assert.Equal(t, tt.kind, fam.Kind)
			assert.Equal(t, tt.gatedFFN, fam.GatedFFN)
		})
	}
}

func TestResolveFamilyUnknownFailsLoudly(t *testing.T) {
	for _, name := range []string{"bert-base-uncased", "llama-7b", ""} {
		_, err := ResolveFamily(name)
		assert.ErrorIs(t, err, ErrUnknownArchitecture, "name %q", name)
	}
}

func TestFamilyTargetModules(t *testing.T) {
	mt5, err := ResolveFamily("mt5")
	require.NoError(t, err)
	assert.Equal(t, []string{"q", "wi_1", "k", "wi_0", "v", "wo", "o", "lm_head"}, mt5.TargetModules)
	assert.Equal(t, []string{"v", "q", "k", "o"}, mt5.AttentionTargets)

	t5, err := ResolveFamily("t5")
	require.NoError(t, err)
	assert.Equal(t, []string{"v", "q", "k", "wi", "wo", "o", "lm_head"}, t5.TargetModules)
}

func TestResolveTargetModules(t *testing.T) {
	fam, err := ResolveFamily("mt5")
	require.NoError(t, err)

	t.Run("family list by default", func(t *testing.T) {
		targets, err := ResolveTargetModules(fam, "", false)
		require.NoError(t, err)
		assert.Equal(t, fam.TargetModules, targets)
	})

	t.Run("attention only", func(t *testing.T) {
		targets, err := ResolveTargetModules(fam, "", true)
		require.NoError(t, err)
		assert.Equal(t, fam.AttentionTargets, targets)
	})

	t.Run("explicit list wins", func(t *testing.T) {
		targets, err := ResolveTargetModules(fam, " q, v ", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"q", "v"}, targets)
	})

	t.Run("family without a list fails", func(t *testing.T) {
		_, err := ResolveTargetModules(Family{Name: "mystery"}, "", false)
		assert.ErrorIs(t, err, ErrNoTargetModules)
	})
}
