// Package peer drives a pion PeerConnection through the relay's signaling
// mailbox. The desktop role answers, the mobile role offers; both trickle ICE
// candidates through the mailbox as they are gathered.
package peer

import (
	"io"
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the data channel the offerer opens.
const DataChannelLabel = "pycam"

type APIOptions struct {
	// Logger receives pion's internal logging. Defaults to discarding it.
	Logger *slog.Logger

	// Net replaces the host network, e.g. with a pion vnet for tests.
	Net transport.Net
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger),
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// ICEServers turns STUN URLs into a pion ICE server list.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), urls...)}}
}
