package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

type stubAction struct {
	name string
	out  *Output
	err  error
}

func (a *stubAction) Name() string        { return a.name }
func (a *stubAction) Description() string { return "stub" }
func (a *stubAction) Execute(context.Context, Input) (*Output, error) {
	return a.out, a.err
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "deploy"}))

	got, err := reg.Get("deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Name())
}

func TestRegisterRejectsNilAndEmpty(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = reg.Register(&stubAction{name: ""})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "deploy"}))

	err := reg.Register(&stubAction{name: "deploy"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestGetUnknownAction(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, schema.CodeOf(err))
}

func TestInvokeDelegates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "ok", out: &Output{Data: 1, Message: "done"}}))
	require.NoError(t, reg.Register(&stubAction{name: "bad", err: errors.New("kaput")}))

	out, err := reg.Invoke(context.Background(), "ok", Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data)

	_, err = reg.Invoke(context.Background(), "bad", Input{})
	require.EqualError(t, err, "kaput")

	_, err = reg.Invoke(context.Background(), "ghost", Input{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, schema.CodeOf(err))
}

func TestListSortedByName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "zeta"}))
	require.NoError(t, reg.Register(&stubAction{name: "alpha"}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}
