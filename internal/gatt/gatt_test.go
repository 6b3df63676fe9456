package gatt

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TreeTestSuite struct {
	suite.Suite
	battery   *Service
	heartRate *Service
	level     *Characteristic
	cccd      *Descriptor
	tree      *Tree
}

func (s *TreeTestSuite) SetupTest() {
	s.cccd = NewDescriptor(DescriptorClientConfig, []byte{0, 0})
	s.level = NewCharacteristic(ble.UUID16(0x2A19), ble.CharRead|ble.CharNotify, []byte{50}, s.cccd)
	s.battery = NewSecondaryService(ble.UUID16(0x180F), s.level)
	s.heartRate = NewService(ble.UUID16(0x180D),
		NewCharacteristic(ble.UUID16(0x2A37), ble.CharNotify, nil),
		NewCharacteristic(ble.UUID16(0x2A38), ble.CharRead, []byte{1}),
	).Include(s.battery)
	s.tree = NewTree(s.heartRate)
}

func (s *TreeTestSuite) TestHandlesAreAssignedAndUnique() {
	seen := map[Handle]bool{}
	check := func(h Handle) {
		s.NotZero(h, "every node MUST receive a handle")
		s.False(seen[h], "handle %d MUST be unique", h)
		seen[h] = true
	}

	check(s.heartRate.Handle())
	for _, c := range s.heartRate.Characteristics() {
		check(c.Handle())
		s.Equal(s.heartRate.Handle(), c.ServiceHandle())
	}
	check(s.battery.Handle())
	check(s.level.Handle())
	check(s.cccd.Handle())
	s.Equal(s.level.Handle(), s.cccd.CharacteristicHandle())
	s.Equal(6, s.tree.Len())
}

func (s *TreeTestSuite) TestIncludedServicesAreIndexedButNotTopLevel() {
	s.Len(s.tree.Services(), 1)
	s.Same(s.battery, s.tree.Service(s.battery.Handle()))
	s.Same(s.level, s.tree.Characteristic(s.level.Handle()))
	s.Same(s.battery, s.tree.ServiceOf(s.level))
	s.Same(s.level, s.tree.CharacteristicOf(s.cccd))
}

func (s *TreeTestSuite) TestCopiesShareIdentityNotState() {
	cp := s.level.Copy()

	s.True(cp.Equal(s.level), "copy MUST equal its template")
	s.Empty(cp.Descriptors(), "copy MUST start without children")
	s.Equal([]byte{50}, cp.Value())

	cp.SetValue([]byte{10})
	cp.SetNotifying(true)
	s.Equal([]byte{50}, s.level.Value(), "template value MUST NOT change")
	s.False(s.level.IsNotifying())

	other := NewCharacteristic(ble.UUID16(0x2A19), ble.CharRead, nil)
	s.False(other.Equal(s.level), "unrelated node with the same UUID MUST NOT be equal")
}

func (s *TreeTestSuite) TestSessionTreeAttachment() {
	session := NewSessionTree()
	svc := session.AddService(s.heartRate.Copy())
	s.Same(svc, session.AddService(s.heartRate.Copy()), "re-adding MUST return the existing node")

	inc := session.AddIncludedService(svc, s.battery.Copy())
	chr := session.AddCharacteristic(inc, s.level.Copy())
	desc := session.AddDescriptor(chr, s.cccd.Copy())

	s.True(session.ContainsService(svc))
	s.True(session.ContainsCharacteristic(chr))
	s.True(session.ContainsDescriptor(desc))
	s.False(session.ContainsCharacteristic(s.level), "template node MUST NOT be owned by the session")
	s.Equal([]*Service{inc}, svc.IncludedServices())

	s.True(session.IsTopLevel(svc.Handle()))
	s.False(session.IsTopLevel(inc.Handle()), "included copy MUST NOT count as top level")
	s.Same(inc, session.AddService(s.battery.Copy()), "adding an included service MUST promote the existing node")
	s.True(session.IsTopLevel(inc.Handle()))

	removed := session.RemoveService(svc.Handle())
	s.Same(svc, removed)
	s.Equal([]*Service{inc}, session.Services())

	session.Clear()
	s.Zero(session.Len())
}

func (s *TreeTestSuite) TestAttachingToForeignParentPanics() {
	session := NewSessionTree()
	s.Panics(func() { session.AddCharacteristic(s.heartRate, s.level.Copy()) },
		"attaching below an undiscovered service MUST panic")
	s.Panics(func() { session.AddDescriptor(s.level, s.cccd.Copy()) })
}

func (s *TreeTestSuite) TestRebuildKeepsExistingHandles() {
	before := s.heartRate.Handle()
	extra := NewService(ble.UUID16(0x180A))

	rebuilt := NewTree(s.heartRate, extra)
	s.Equal(before, s.heartRate.Handle(), "reused service MUST keep its handle")
	s.Greater(extra.Handle(), s.cccd.Handle(), "new nodes MUST take fresh handles")
	s.Len(rebuilt.Services(), 2)
}

func (s *TreeTestSuite) TestSuccessorNeverReissuesHandles() {
	last := s.cccd.Handle()
	fresh := NewService(ble.UUID16(0x180D), NewCharacteristic(ble.UUID16(0x2A37), ble.CharNotify, nil))

	next := s.tree.Successor(fresh)
	s.Greater(fresh.Handle(), last, "fresh service MUST NOT take a retired handle")
	s.Greater(fresh.Characteristics()[0].Handle(), last)
	s.Nil(next.Service(s.heartRate.Handle()))

	// successors of successors keep counting
	again := NewService(ble.UUID16(0x180A))
	next.Successor(again)
	s.Greater(again.Handle(), fresh.Characteristics()[0].Handle())
}

func (s *TreeTestSuite) TestFindCharacteristic() {
	s.NotNil(s.tree.FindCharacteristic(ble.UUID16(0x180D), ble.UUID16(0x2A38)))
	s.Nil(s.tree.FindCharacteristic(ble.UUID16(0x180D), ble.UUID16(0x2A19)), "search MUST be limited to top-level services")
	s.Nil(s.tree.FindCharacteristic(ble.UUID16(0xFFFF), ble.UUID16(0x2A38)))
}

func TestTreeTestSuite(t *testing.T) {
	suite.Run(t, new(TreeTestSuite))
}

func TestParseProperties(t *testing.T) {
	tests := []struct {
		in      string
		want    ble.Property
		wantErr bool
	}{
		{"read", ble.CharRead, false},
		{"read, notify", ble.CharRead | ble.CharNotify, false},
		{"write-nr,indicate", ble.CharWriteNR | ble.CharIndicate, false},
		{"", 0, false},
		{"read,teleport", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProperties(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "read,write-without-response,notify", FormatProperties(ble.CharRead|ble.CharWriteNR|ble.CharNotify))
}

func TestClientConfig(t *testing.T) {
	notify := NewCharacteristic(ble.UUID16(0x2A37), ble.CharNotify|ble.CharIndicate, nil)
	indicate := NewCharacteristic(ble.UUID16(0x2A35), ble.CharIndicate, nil)

	assert.Equal(t, []byte{0x01, 0x00}, ClientConfigFor(notify, true).Bytes())
	assert.Equal(t, []byte{0x02, 0x00}, ClientConfigFor(indicate, true).Bytes())
	assert.Equal(t, []byte{0x00, 0x00}, ClientConfigFor(notify, false).Bytes())

	cfg, err := ParseClientConfig([]byte{0x03, 0x00})
	require.NoError(t, err)
	assert.True(t, cfg.Notifications)
	assert.True(t, cfg.Indications)

	_, err = ParseClientConfig([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeDescriptor(t *testing.T) {
	v, err := DecodeDescriptor(DescriptorUserDescription, []byte("Heart\x00"))
	require.NoError(t, err)
	assert.Equal(t, "Heart", v)

	v, err = DecodeDescriptor(DescriptorPresentationFormat, []byte{0x04, 0xFE, 0xAD, 0x27, 0x01, 0x00, 0x00})
	require.NoError(t, err)
	pf := v.(*PresentationFormat)
	assert.Equal(t, int8(-2), pf.Exponent)
	assert.Equal(t, uint16(0x27AD), pf.Unit)

	v, err = DecodeDescriptor(ble.UUID16(0x2908), []byte{1, 2})
	assert.NoError(t, err)
	assert.Nil(t, v)
}
