package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{Validationf("bad"), CodeValidation},
		{NotFoundf("gone"), CodeNotFound},
		{ConcurrentModificationf("stale"), CodeConcurrentModification},
		{Conflictf("busy"), CodeConflict},
		{Superseded("j1"), CodeSuperseded},
		{StorageError("put", errors.New("503")), CodeStorage},
		{&StampingError{DocumentID: "d1", Reason: "no pages"}, CodeStamping},
		{fmt.Errorf("wrapped: %w", Forbiddenf("no")), CodeForbidden},
		{errors.New("boom"), CodeInternal},
	} {
		require.Equal(t, tc.want, KindOf(tc.err), tc.err.Error())
	}
	require.Empty(t, KindOf(nil))
}

func TestPublicMessageHidesCause(t *testing.T) {
	err := StorageError("put bundles/x.zip", errors.New("dial tcp 10.0.0.1:443: refused"))
	require.Equal(t, "put bundles/x.zip failed", PublicMessage(err))
	require.Equal(t, "document d1 could not be stamped: no pages",
		PublicMessage(&StampingError{DocumentID: "d1", Reason: "no pages"}))
	require.Equal(t, "internal error", PublicMessage(errors.New("secret detail")))
}

func TestValidator(t *testing.T) {
	v := NewValidator().
		Field("case_id", "", Required).
		Field("title", "x", MaxLength(200))
	require.True(t, v.HasErrors())
	require.Len(t, v.Errors(), 1)
	require.ErrorIs(t, v.Err(), ErrValidation)

	require.NoError(t, NewValidator().Field("case_id", "c1", Required, MaxLength(128)).Err())
}

func TestRequestValidatorDecode(t *testing.T) {
	rv, err := NewRequestValidator()
	require.NoError(t, err)

	var seq struct {
		Order           []string `json:"order"`
		ExpectedVersion *int64   `json:"expected_version"`
	}
	require.NoError(t, rv.Decode(SchemaResequence, []byte(`{"order":["a","b"],"expected_version":3}`), &seq))
	require.Equal(t, []string{"a", "b"}, seq.Order)
	require.Equal(t, int64(3), *seq.ExpectedVersion)

	for name, body := range map[string]string{
		"malformed":  `{"order":`,
		"missing":    `{}`,
		"duplicates": `{"order":["a","a"]}`,
		"extra":      `{"order":["a"],"force":true}`,
		"negative":   `{"order":["a"],"expected_version":-1}`,
	} {
		err := rv.Decode(SchemaResequence, []byte(body), &seq)
		require.ErrorIs(t, err, ErrValidation, name)
	}

	var bundle struct {
		Incremental bool `json:"incremental"`
	}
	require.NoError(t, rv.Decode(SchemaBundleRequest, nil, &bundle), "an empty body selects every exhibit")
	require.Equal(t, CodeInternal, KindOf(rv.Decode("nope.json", nil, &bundle)))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: "file:exhibits.db?_pragma=foreign_keys(1)"
bundle:
  workers: 2
  stamping_mode: lenient
lock:
  wait_timeout: 3s
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BUNDLE_MAX_ATTEMPTS", "7")
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 2, cfg.Bundle.Workers)
	require.Equal(t, 7, cfg.Bundle.MaxAttempts)
	require.Equal(t, "lenient", cfg.Bundle.StampingMode)
	require.Equal(t, 3*time.Second, cfg.Lock.WaitTimeout)
	require.Equal(t, ":9999", cfg.Server.HTTPAddr)
	require.Equal(t, 256, cfg.Bundle.QueueSize, "unset keys keep their defaults")
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Database.DSN = "postgres://localhost/exhibits"
		return c
	}
	require.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Config){
		"driver":   func(c *Config) { c.Database.Driver = "mysql" },
		"dsn":      func(c *Config) { c.Database.DSN = "" },
		"redis":    func(c *Config) { c.Lock.Backend = "redis" },
		"mode":     func(c *Config) { c.Bundle.StampingMode = "best-effort" },
		"attempts": func(c *Config) { c.Bundle.MaxAttempts = 0 },
		"buckets":  func(c *Config) { c.Storage.BundlesURL = "" },
	} {
		c := valid()
		mutate(c)
		require.ErrorIs(t, c.Validate(), ErrInvalidInput, name)
	}
}
