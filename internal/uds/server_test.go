package uds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	srv := NewServer(NewDIDTable(DefaultDIDs))

	tests := []struct {
		name string
		req  []byte
		want Response
	}{
		{
			name: "vin",
			req:  []byte{0x22, 0xF1, 0x90},
			want: append(Response{0x62, 0xF1, 0x90}, []byte(DefaultDIDs[DIDVIN])...),
		},
		{
			name: "serial number",
			req:  []byte{0x22, 0xF1, 0x8C},
			want: append(Response{0x62, 0xF1, 0x8C}, []byte("SN00012345")...),
		},
		{
			name: "trailing bytes ignored",
			req:  []byte{0x22, 0xF1, 0x81, 0xF1, 0x80},
			want: append(Response{0x62, 0xF1, 0x81}, []byte("APP-2.4.1")...),
		},
		{
			name: "unknown did",
			req:  []byte{0x22, 0xFF, 0xFF},
			want: Response{0x7F, 0x22, 0x31},
		},
		{
			name: "missing did byte",
			req:  []byte{0x22, 0xF1},
			want: Response{0x7F, 0x22, 0x13},
		},
		{
			name: "unsupported service",
			req:  []byte{0x99, 0x01, 0x02},
			want: Response{0x7F, 0x99, 0x11},
		},
		{
			name: "write by identifier not registered",
			req:  []byte{0x2E, 0xF1, 0x90, 'X'},
			want: Response{0x7F, 0x2E, 0x11},
		},
		{
			name: "security access not registered",
			req:  []byte{0x27, 0x01},
			want: Response{0x7F, 0x27, 0x11},
		},
		{
			name: "empty request",
			req:  nil,
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, srv.Dispatch(tc.req))
		})
	}
}

func TestDispatchIsPure(t *testing.T) {
	srv := NewServer(NewDIDTable(DefaultDIDs))
	first := srv.Dispatch([]byte{0x22, 0xF1, 0x90})
	first[3] = 'X'
	second := srv.Dispatch([]byte{0x22, 0xF1, 0x90})
	assert.Equal(t, byte('1'), second[3])
}

func TestHandleExtendsServer(t *testing.T) {
	srv := NewServer(NewDIDTable(nil))
	srv.Handle(SIDTesterPresent, func(req Request) Response {
		return Response{req.ServiceID + PositiveOffset, 0x00}
	})
	assert.Equal(t, Response{0x7E, 0x00}, srv.Dispatch([]byte{0x3E, 0x00}))
	assert.Equal(t, Response{0x7F, 0x22, 0x31}, srv.Dispatch([]byte{0x22, 0xF1, 0x90}))
}

func TestDIDTable(t *testing.T) {
	values := map[uint16]string{0xF190: "ABC"}
	table := NewDIDTable(values)
	values[0xF190] = "changed"

	got, ok := table.Lookup(0xF190)
	require.True(t, ok)
	assert.Equal(t, []byte("ABC"), got)

	got[0] = 'Z'
	again, _ := table.Lookup(0xF190)
	assert.Equal(t, []byte("ABC"), again)

	_, ok = table.Lookup(0x1234)
	assert.False(t, ok)

	assert.Equal(t, []uint16{0xF180, 0xF181, 0xF187, 0xF18C, 0xF190}, NewDIDTable(DefaultDIDs).IDs())
}

func TestParseDID(t *testing.T) {
	for in, want := range map[string]uint16{"F190": 0xF190, "0xf18c": 0xF18C, " 0XF180 ": 0xF180} {
		got, err := ParseDID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDID("VIN")
	assert.Error(t, err)
	_, err = ParseDID("1F190")
	assert.Error(t, err)
}

func TestDescribeNRC(t *testing.T) {
	assert.Equal(t, "request out of range", DescribeNRC(NRCRequestOutOfRange))
	assert.Equal(t, "unknown NRC 0xFE", DescribeNRC(0xFE))

	err := &NegativeResponseError{ServiceID: 0x22, NRC: 0x31}
	assert.EqualError(t, err, "uds: service 0x22 rejected: request out of range (0x31)")
}
