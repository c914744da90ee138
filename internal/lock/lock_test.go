package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondAttemptFails(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "mydb")
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(dir, "mydb")
	require.Error(t, err)
}

func TestAcquire_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "mydb")
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(dir, "mydb")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquire_DifferentDatabasesIndependent(t *testing.T) {
	dir := t.TempDir()
	a, err := Acquire(dir, "db-a")
	require.NoError(t, err)
	defer a.Release()

	b, err := Acquire(dir, "db-b")
	require.NoError(t, err)
	defer b.Release()
}
