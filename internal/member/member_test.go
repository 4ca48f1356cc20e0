package member

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ua(host string, port int, inc uint64) UniqueAddress {
	return UniqueAddress{Address: Address{Host: host, Port: port}, Incarnation: inc}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "ipv4", input: "127.0.0.1:2552", want: Address{Host: "127.0.0.1", Port: 2552}},
		{name: "hostname with spaces", input: " node-a:7000 ", want: Address{Host: "node-a", Port: 7000}},
		{name: "ipv6", input: "[::1]:9000", want: Address{Host: "::1", Port: 9000}},
		{name: "missing port", input: "node-a", wantErr: true},
		{name: "bad port", input: "node-a:http", wantErr: true},
		{name: "port out of range", input: "node-a:70000", wantErr: true},
		{name: "empty host", input: ":7000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUniqueAddress_RoundTrip(t *testing.T) {
	u := ua("10.0.0.1", 2552, 42)
	assert.Equal(t, "10.0.0.1:2552#42", u.String())

	parsed, err := ParseUniqueAddress(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)

	_, err = ParseUniqueAddress("10.0.0.1:2552")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestUniqueAddress_Ordering(t *testing.T) {
	a := ua("a", 1, 5)
	b := ua("a", 2, 1)
	c := ua("b", 1, 1)
	a2 := ua("a", 1, 6)

	assert.True(t, a.Less(b), "port ordering")
	assert.True(t, b.Less(c), "host ordering dominates port")
	assert.True(t, a.Less(a2), "incarnation breaks ties")
	assert.Equal(t, 0, a.Compare(a))
	// Ports compare numerically, not as strings.
	assert.True(t, ua("a", 9, 1).Less(ua("a", 10, 1)))
}

func TestNewIncarnation_NonZeroAndVaries(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		inc := NewIncarnation()
		require.NotZero(t, inc)
		seen[inc] = true
	}
	assert.Greater(t, len(seen), 95)
}

func TestMember_WithStatus(t *testing.T) {
	m := New(ua("a", 1, 1), "backend", "api", "backend")
	assert.Equal(t, []string{"api", "backend"}, m.Roles)
	assert.True(t, m.HasRole("api"))
	assert.False(t, m.HasRole("frontend"))

	up, err := m.WithStatus(Up)
	require.NoError(t, err)
	assert.Equal(t, Up, up.Status)
	assert.Equal(t, Joining, m.Status, "original must not change")

	_, err = up.WithStatus(Joining)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	down, err := up.WithStatus(Down)
	require.NoError(t, err)
	_, err = down.WithStatus(Up)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	same, err := down.WithStatus(Down)
	require.NoError(t, err)
	assert.True(t, same.Equal(down))
}

func TestMember_RolesNotShared(t *testing.T) {
	m := New(ua("a", 1, 1), "x", "y")
	up, err := m.WithStatus(Up)
	require.NoError(t, err)
	up.Roles[0] = "changed"
	assert.Equal(t, "x", m.Roles[0])
}

func TestHighestPriority_Lattice(t *testing.T) {
	node := ua("a", 1, 1)
	order := []Status{Joining, WeaklyUp, Up, Leaving, Exiting, Down, Removed}
	for i := range order {
		for j := range order {
			a := Member{Node: node, Status: order[i]}
			b := Member{Node: node, Status: order[j]}
			got := HighestPriority(a, b)
			want := order[max(i, j)]
			assert.Equal(t, want, got.Status, "%s vs %s", order[i], order[j])
			assert.True(t, got.Equal(HighestPriority(b, a)), "commutative")
		}
	}
}

func TestHighestPriority_TieBreaks(t *testing.T) {
	node := ua("a", 1, 1)
	older := Member{Node: node, Status: Up, UpNumber: 1}
	younger := Member{Node: node, Status: Up, UpNumber: 3}
	assert.Equal(t, 1, HighestPriority(younger, older).UpNumber)

	unassigned := Member{Node: node, Status: Up}
	assert.Equal(t, 3, HighestPriority(unassigned, younger).UpNumber)

	r1 := Member{Node: node, Status: Up, Roles: []string{"a"}}
	r2 := Member{Node: node, Status: Up, Roles: []string{"b"}}
	assert.Equal(t, []string{"a"}, HighestPriority(r2, r1).Roles)
	assert.Equal(t, []string{"a"}, HighestPriority(r1, r2).Roles)
}

func TestIsOlderThan(t *testing.T) {
	a := Member{Node: ua("a", 1, 1), Status: Up, UpNumber: 2}
	b := Member{Node: ua("b", 1, 1), Status: Up, UpNumber: 1}
	c := Member{Node: ua("c", 1, 1), Status: Joining}
	assert.True(t, b.IsOlderThan(a))
	assert.True(t, a.IsOlderThan(c))
	assert.False(t, c.IsOlderThan(a))
}

func TestLeaderStatusCompare(t *testing.T) {
	exiting := Member{Node: ua("a", 1, 1), Status: Exiting}
	joining := Member{Node: ua("z", 1, 1), Status: Joining}
	assert.Positive(t, LeaderStatusCompare(exiting, joining))
	assert.Negative(t, LeaderStatusCompare(joining, exiting))

	up1 := Member{Node: ua("a", 1, 1), Status: Up}
	up2 := Member{Node: ua("b", 1, 1), Status: Joining}
	assert.Negative(t, LeaderStatusCompare(up1, up2))
}

func TestParseStatus(t *testing.T) {
	for st := Joining; st <= Removed; st++ {
		got, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("alive")
	assert.Error(t, err)
}
