package outbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMember struct {
	protocol string
	addr     string
	in, out  uint64
}

func (f *fakeMember) protocolLabel() string { return f.protocol }
func (f *fakeMember) addressLabel() string  { return f.addr }
func (f *fakeMember) drainTraffic() (uint64, uint64) {
	in, out := f.in, f.out
	f.in, f.out = 0, 0
	return in, out
}

func TestRegistryAddRemoveLen(t *testing.T) {
	r := newRegistry()
	assert.Equal(t, 0, r.Len())

	m1 := &fakeMember{protocol: "TCP", addr: "[a]:1"}
	m2 := &fakeMember{protocol: "UDP", addr: "[b]:2"}

	e1 := r.add(m1)
	assert.Equal(t, 1, r.Len())
	r.add(m2)
	assert.Equal(t, 2, r.Len())

	r.remove(e1)
	assert.Equal(t, 1, r.Len())

	// removing nil, or removing twice, must not panic.
	r.remove(e1)
	r.remove(nil)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryEachVisitsAllMembers(t *testing.T) {
	r := newRegistry()
	m1 := &fakeMember{protocol: "TCP", addr: "[a]:1", in: 10, out: 20}
	m2 := &fakeMember{protocol: "UDP", addr: "[b]:2", in: 5, out: 7}
	r.add(m1)
	r.add(m2)

	seen := map[string]registryMember{}
	r.each(func(m registryMember) {
		seen[m.addressLabel()] = m
	})

	assert.Len(t, seen, 2)
	assert.Contains(t, seen, "[a]:1")
	assert.Contains(t, seen, "[b]:2")
}
