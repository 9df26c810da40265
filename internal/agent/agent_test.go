package agent

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
)

func TestCreateTLSConfig(t *testing.T) {
	cfg, err := createTLSConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, cfg.RootCAs)

	_, err = createTLSConfig(Config{CACertPath: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorContains(t, err, "read CA cert")

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o644))
	_, err = createTLSConfig(Config{CACertPath: bad})
	assert.ErrorContains(t, err, "append CA cert")
}

func TestDialIsLazy(t *testing.T) {
	// NewClient does not connect until the first call.
	c, err := Dial(Config{ServerAddress: "localhost:1", Insecure: true})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestJobRoundTripsThroughStruct(t *testing.T) {
	opts := mosaic.DefaultOptions()
	opts.BadFrames = []int{2, 5}
	opts.Verbosity = mosaic.VerbosityPerFrame
	job := pipeline.Job{TracePath: "eye.trace.json", Output: "out.png", Options: opts}

	st, err := toStruct(job)
	require.NoError(t, err)
	assert.Equal(t, "eye.trace.json", st.GetFields()["trace"].GetStringValue())

	var back pipeline.Job
	require.NoError(t, fromStruct(st, &back))
	assert.Equal(t, job, back)

	_, err = toStruct(map[string]any{"c": make(chan int)})
	assert.Error(t, err)
}
