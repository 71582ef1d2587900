package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBus_ExportAndRead(t *testing.T) {
	b := NewMemoryBus()

	ep, err := b.Export("com.victronenergy.tank.test", []PropertySpec{
		{Path: "/Level", Value: Float(50), Writable: true},
		{Path: "/Serial", Value: Str("abc")},
	}, nil)
	require.NoError(t, err)

	names, err := b.ListNames()
	require.NoError(t, err)
	require.Contains(t, names, "com.victronenergy.tank.test")

	v, err := b.GetValue("com.victronenergy.tank.test", "/Level")
	require.NoError(t, err)
	if v.Num != 50 {
		t.Errorf("want 50, got %v", v.Num)
	}

	owner, err := b.NameOwner(ep.Name())
	require.NoError(t, err)
	require.NotEmpty(t, owner)
}

func TestMemoryBus_DuplicateName(t *testing.T) {
	b := NewMemoryBus()
	_, err := b.Export("x.y", nil, nil)
	require.NoError(t, err)
	_, err = b.Export("x.y", nil, nil)
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestMemoryBus_NotifyOnSet(t *testing.T) {
	b := NewMemoryBus()
	ep, err := b.Export("a.b", []PropertySpec{{Path: "/Level", Value: Float(0)}}, nil)
	require.NoError(t, err)

	var got []Change
	require.NoError(t, b.SubscribeChanges("/Level", func(c Change) {
		got = append(got, c)
	}))

	require.NoError(t, ep.Set("/Level", Float(42)))

	require.Len(t, got, 1)
	if got[0].Value.Num != 42 {
		t.Errorf("want 42, got %v", got[0].Value.Num)
	}
	owner, _ := b.NameOwner("a.b")
	if got[0].Sender != owner {
		t.Errorf("sender mismatch: %q vs %q", got[0].Sender, owner)
	}
}

func TestMemoryBus_SetValueRoutesThroughWriteHandler(t *testing.T) {
	b := NewMemoryBus()
	var written string
	_, err := b.Export("a.b", []PropertySpec{
		{Path: "/CustomName", Value: Str("old"), Writable: true},
		{Path: "/Serial", Value: Str("ro")},
	}, func(path string, v Value) bool {
		written = v.Text
		return v.Text != "reject"
	})
	require.NoError(t, err)

	require.NoError(t, b.SetValue("a.b", "/CustomName", Str("new")))
	require.Equal(t, "new", written)

	v, err := b.GetValue("a.b", "/CustomName")
	require.NoError(t, err)
	require.Equal(t, "new", v.Text)

	err = b.SetValue("a.b", "/CustomName", Str("reject"))
	require.ErrorIs(t, err, ErrInvalidValue)

	// read-only property
	err = b.SetValue("a.b", "/Serial", Str("x"))
	require.Error(t, err)
}

func TestMemoryBus_RemoveMakesReadsFail(t *testing.T) {
	b := NewMemoryBus()
	_, err := b.Export("a.b", []PropertySpec{{Path: "/Level", Value: Float(1)}}, nil)
	require.NoError(t, err)

	b.Remove("a.b")

	_, err = b.GetValue("a.b", "/Level")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValue_Validity(t *testing.T) {
	if Invalid().Valid() {
		t.Error("Invalid() must not be valid")
	}
	if !Float(0).Valid() {
		t.Error("Float(0) must be valid: zero is data")
	}
	if !Str("x").Valid() {
		t.Error("Str must be valid")
	}
}
