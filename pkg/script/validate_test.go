package script_test

import (
	"testing"

	"github.com/arnavsurve/mendstep/pkg/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		errorMsg string
	}{
		{"function statement", "function run(spec) return {status = 'success'} end", ""},
		{"assigned function", "run = function(spec) return {status = 'success'} end", ""},
		{"empty", "  \n", "empty"},
		{"syntax error", "function run(spec) return {", "does not parse"},
		{"no entry point", "function main(spec) end", "does not define"},
		{"local entry point", "local function run(spec) end", "does not define"},
		{"method entry point", "function obj:run(spec) end", "does not define"},
		{"sleep call", "function run(spec) sleep(2) end", "fixed delays (sleep)"},
		{"nested delay", "function run(spec) if spec then step(1, 'x', function() os.sleep(1) end) end end", "fixed delays (sleep)"},
		{"method delay", "function run(spec) page:wait(5) end", "fixed delays (wait)"},
		{"wait_for allowed", "function run(spec) page.wait_for('Results') return {status = 'success'} end", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := script.Validate(tt.code)
			if tt.errorMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}
