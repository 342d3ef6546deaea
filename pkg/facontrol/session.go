package facontrol

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Session represents a single addressable audio target: an output or input device, or one application's stream.
// A Session is only valid for the lifetime of the connection that resolved it
type Session interface {
	GetVolume() (float32, error)
	SetVolume(v float32) error

	GetMute() (bool, error)
	SetMute(v bool) error

	Key() string
	Release()
}

const (
	masterSessionName = "master" // master device volume
	systemSessionName = "system" // system sounds volume
	inputSessionName  = "mic"    // microphone input level

	sessionCreationLogMessage = "Resolved audio session"

	// format this with s.humanReadableDesc
	sessionStringFormat = "<session: %s>"
)

type baseSession struct {
	logger *zap.SugaredLogger
	system bool

	// used by Key(), needs to be set by child
	name string

	// used by String(), needs to be set by child
	humanReadableDesc string
}

func (s *baseSession) Key() string {
	if s.system {
		return systemSessionName
	}

	return strings.ToLower(s.name)
}

func (s *baseSession) String() string {
	return fmt.Sprintf(sessionStringFormat, s.humanReadableDesc)
}

type targetKind int

const (
	targetOutput targetKind = iota
	targetInput
	targetApp
)

// target names what a single operation acts on
type target struct {
	kind targetKind
	id   uint32
}

var (
	outputTarget = target{kind: targetOutput}
	inputTarget  = target{kind: targetInput}
)

func appTarget(id uint32) target {
	return target{kind: targetApp, id: id}
}

func (t target) String() string {
	switch t.kind {
	case targetOutput:
		return masterSessionName
	case targetInput:
		return inputSessionName
	default:
		return fmt.Sprintf("app %d", t.id)
	}
}
