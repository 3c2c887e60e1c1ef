package bridge

import "github.com/greenstalk/leafpress/engine"

// message is one unit of work for the worker. Each carries its own reply
// channel, buffered so the worker never blocks on an abandoned await.
type message interface {
	isMessage()
}

type initMsg struct {
	libraryPath string
	runtimeHome string
	assetsPath  string
	reply       chan initReply
}

type initReply struct {
	code    engine.Code
	version string
	errText string
}

type invokeMsg struct {
	inputJSON string
	reply     chan invokeReply
}

type invokeReply struct {
	payload string
	err     error
}

type shutdownMsg struct {
	reply chan struct{}
}

type versionMsg struct {
	reply chan string
}

func (*initMsg) isMessage()     {}
func (*invokeMsg) isMessage()   {}
func (*shutdownMsg) isMessage() {}
func (*versionMsg) isMessage()  {}
