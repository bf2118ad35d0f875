package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapesOrder(t *testing.T) {
	s := &Surface{
		SideChannel: SideChannel{Fd: []int32{3}},
		Buffer:      &Buffer{SideChannel: SideChannel{Fd: []int32{4, 5}}},
	}
	carriers := Shapes(s)
	if assert.Len(t, carriers, 2) {
		assert.Equal(t, ShapeSurface, carriers[0].Kind())
		assert.Equal(t, ShapeBuffer, carriers[1].Kind())
	}
	assert.Equal(t, []int{3, 4, 5}, Descriptors(s))
}

func TestShapesOfEveryPayload(t *testing.T) {
	cases := []struct {
		payload any
		kind    ShapeKind
		shapes  int
	}{
		{&Void{}, ShapePlain, 0},
		{&DisplayConfiguration{}, ShapePlain, 0},
		{nil, ShapePlain, 0},
		{&Buffer{}, ShapeBuffer, 1},
		{&Surface{}, ShapeSurface, 1},
		{&Surface{Buffer: &Buffer{}}, ShapeSurface, 2},
		{&Screencast{}, ShapeBuffer, 0},
		{&Screencast{Buffer: &Buffer{}}, ShapeBuffer, 1},
		{&Platform{}, ShapePlatform, 1},
		{&Connection{Platform: &Platform{}}, ShapePlatform, 1},
		{&SocketFD{}, ShapeSocketFD, 1},
		{(*Buffer)(nil), ShapeBuffer, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, KindOf(c.payload), "%T", c.payload)
		assert.Len(t, Shapes(c.payload), c.shapes, "%T", c.payload)
	}
}

func TestMoveToSideChannel(t *testing.T) {
	conn := &Connection{Platform: &Platform{SideChannel: SideChannel{Fd: []int32{7, 8}}}}

	fds := MoveToSideChannel(conn)
	assert.Equal(t, []int{7, 8}, fds)
	assert.Nil(t, conn.Platform.Fd)
	assert.Equal(t, int32(2), conn.Platform.FdsOnSideChannel)
	assert.Equal(t, int32(2), PendingFds(conn))
	assert.Empty(t, Descriptors(conn))
}

func TestShapeKindString(t *testing.T) {
	assert.Equal(t, "socket_fd", ShapeSocketFD.String())
	assert.Equal(t, "plain", ShapePlain.String())
}
