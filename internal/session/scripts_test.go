package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScripts(t *testing.T) {
	s, err := NewScripts("", "", "")
	require.NoError(t, err)

	host, err := s.HostArgs("/games/place.rbxl", 53640)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/games/place.rbxl",
		"-no3d",
		"-script",
		"loadfile('http://www.fluster.is/game/gameserver.ashx')(0, 53640)",
	}, host)

	join, err := s.JoinArgs("192.168.0.12", 53640, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-script",
		"http://www.fluster.is/game/join.ashx?UserID=1&serverPort=53640&serverIP=192.168.0.12",
	}, join)
}

func TestCustomScripts(t *testing.T) {
	s, err := NewScripts("lan.example", "serve({{.Port}}) at {{.WebHost}}", "{{.ServerIP}}:{{.ServerPort}}/{{.UserID}}")
	require.NoError(t, err)

	host, err := s.HostArgs("game.rbxl", 1)
	require.NoError(t, err)
	assert.Equal(t, "serve(1) at lan.example", host[3])

	join, err := s.JoinArgs("fe80::1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "fe80%3A%3A1:2/3", join[1])
}

func TestScriptsRejectBadInput(t *testing.T) {
	_, err := NewScripts("", "{{.Port", "")
	assert.Error(t, err)

	s, err := NewScripts("", "{{.Missing}}", "")
	require.NoError(t, err)
	_, err = s.HostArgs("game.rbxl", 1)
	assert.Error(t, err)

	s, err = NewScripts("", "", "")
	require.NoError(t, err)
	for _, ip := range []string{"", "localhost", "1.2.3.4&x=1", "999.1.1.1"} {
		_, err := s.JoinArgs(ip, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidArgument, ip)
	}
}
