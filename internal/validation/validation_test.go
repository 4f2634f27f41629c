package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xtxerr/nodewatch/internal/errors"
)

func TestValidateName(t *testing.T) {
	rules := NameRules{MinLength: 1, MaxLength: 16, AllowHyphens: true, AllowUnders: true}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "node01", false},
		{"with hyphen", "gpu-node-1", false},
		{"with underscore", "node_1", false},
		{"numbers", "123", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"space", "node 01", true},
		{"dot not allowed", "node.local", true},
		{"too long", strings.Repeat("n", 17), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNodeName(t *testing.T) {
	valid := []string{"node01", "cn-001.cluster.example.org", "gpu_a100-7", "Überknoten"}
	for _, name := range valid {
		assert.NoError(t, ValidateNodeName(name), name)
	}

	invalid := []string{"", "node01;DROP", "../etc", "node[01-04]", strings.Repeat("x", 256)}
	for _, name := range invalid {
		err := ValidateNodeName(name)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig, name)
	}
}
