package drtbolt

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "drt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCandidatesOrdering(t *testing.T) {
	s := openTestStore(t)

	base := time.Unix(1_700_000_000, 0)
	tick := base
	s.now = func() time.Time { return tick }

	a := netip.MustParseAddrPort("10.0.0.1:5000")
	b := netip.MustParseAddrPort("10.0.0.2:5000")
	c := netip.MustParseAddrPort("10.0.0.3:5000")

	require.NoError(t, s.NoteSuccess("aa", a))
	tick = base.Add(time.Minute)
	require.NoError(t, s.NoteSuccess("bb", b))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.NoteFailure(c))
	}

	got, err := s.Candidates(3, 0)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{b, a}, got)

	got, err = s.Candidates(10, 1)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{b}, got)
}

func TestSuccessResetsFailures(t *testing.T) {
	s := openTestStore(t)
	a := netip.MustParseAddrPort("[2001:db8::7]:6000")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.NoteFailure(a))
	}
	got, err := s.Candidates(2, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.NoteSuccess("", a))
	got, err = s.Candidates(2, 0)
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{a}, got)
}

func TestCredentialsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drt.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, ok, err := s.LoadCredential("root")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.SaveCredential("root", []byte{1, 2, 3}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	blob, ok, err := s.LoadCredential("root")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, blob)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	require.ErrorIs(t, err, ErrEmptyPath)
}
