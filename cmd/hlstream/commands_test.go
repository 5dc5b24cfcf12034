package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlstream/internal/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKeyCommand(t *testing.T) {
	out, err := execute(t, "key", "l2Book", `{"nSigFigs":5,"coin":"BTC"}`)
	require.NoError(t, err)
	assert.Equal(t, `l2Book:{"coin":"BTC","nSigFigs":5}`+"\n", out)

	out, err = execute(t, "key", "allMids")
	require.NoError(t, err)
	assert.Equal(t, "allMids:null\n", out)

	_, err = execute(t, "key", "orderBookL3")
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)

	_, err = execute(t, "key", "trades", "{not json")
	assert.Error(t, err)
}

func TestMethodsCommand(t *testing.T) {
	out, err := execute(t, "methods")
	require.NoError(t, err)
	assert.Contains(t, out, "candle required=coin,interval\n")
	assert.Contains(t, out, "allMids optional=dex\n")
}
