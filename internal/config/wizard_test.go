package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/clawgate/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("should append providers and pick a default", func(t *testing.T) {
		answers := strings.Join([]string{
			"y",          // add provider
			"local",      // name
			"ftp://nope", // bad base url
			"http://localhost:8000/v1",
			"secret",
			"", // empty model name is rejected
			"llama3",
			"n", // no more providers
			"",  // default model
			"9100",
			"verbose", // bad level keeps the old one
		}, "\n") + "\n"

		base := DefaultConfig()
		base.Models = []router.ProviderConfig{{Provider: "existing", ModelName: "gpt-4o"}}

		out := &bytes.Buffer{}
		cfg, err := NewWizard(strings.NewReader(answers), out).Run(base)
		require.NoError(t, err)

		require.Len(t, cfg.Models, 2)
		assert.Equal(t, router.ProviderConfig{Provider: "local", BaseURL: "http://localhost:8000/v1", APIKey: "secret", ModelName: "llama3"}, cfg.Models[1])
		assert.Equal(t, "gpt-4o", cfg.DefaultModel)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Len(t, base.Models, 1, "base config must not be modified")
		assert.Contains(t, out.String(), "Error: invalid baseUrl")
		assert.Contains(t, out.String(), "Error: modelName cannot be empty")
	})

	t.Run("should fail on closed input", func(t *testing.T) {
		_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(DefaultConfig())
		assert.Error(t, err)
	})
}
