package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/sfu"
	"github.com/1ureka/confer/internal/util"
)

// ORTC builds SFU transports out of pion's object API: an ICE gatherer,
// an ICE transport and a DTLS transport per server-side transport, with one
// RTP sender per producer and one RTP receiver per consumer.
type ORTC struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	caps       protocol.RtpCapabilities
}

// NewORTC creates an SFU backend. caps should describe the codecs registered
// on api.
func NewORTC(api *webrtc.API, config webrtc.Configuration, caps protocol.RtpCapabilities) *ORTC {
	return &ORTC{api: api, iceServers: config.ICEServers, caps: caps}
}

func (o *ORTC) Capabilities() protocol.RtpCapabilities { return o.caps }

// NewTransport starts gathering for a transport the server created.
func (o *ORTC) NewTransport(params protocol.TransportCreated) (sfu.TransportHandle, error) {
	gatherer, err := o.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: o.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}
	ice := o.api.NewICETransport(gatherer)
	dtls, err := o.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ortcTransport{
		api:      o.api,
		params:   params,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ctx:      ctx,
		cancel:   cancel,
		log:      util.Scope("ortc " + params.ID),
	}, nil
}

type ortcTransport struct {
	api      *webrtc.API
	params   protocol.TransportCreated
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	log      util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (t *ortcTransport) DTLSParameters() (webrtc.DTLSParameters, error) {
	return t.dtls.GetLocalParameters()
}

// Connect starts ICE as the controlling agent against the server's
// parameters, then the DTLS handshake. Both block until done; ctx aborts
// them by closing the transport.
func (t *ortcTransport) Connect(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	if err := t.ice.SetRemoteCandidates(t.params.ICECandidates); err != nil {
		return fmt.Errorf("failed to set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlling
	if err := t.ice.Start(nil, t.params.ICEParameters, &role); err != nil {
		return errors.Join(ctx.Err(), fmt.Errorf("failed to start ICE: %w", err))
	}
	if err := t.dtls.Start(t.params.DTLSParameters); err != nil {
		return errors.Join(ctx.Err(), fmt.Errorf("failed to start DTLS: %w", err))
	}
	t.log.Debug("connected")
	return nil
}

func (t *ortcTransport) Send(track *media.LocalTrack) (sfu.SenderHandle, protocol.RtpParameters, error) {
	sender, err := t.api.NewRTPSender(track.TrackLocal, t.dtls)
	if err != nil {
		return nil, protocol.RtpParameters{}, fmt.Errorf("failed to create RTP sender: %w", err)
	}
	params := sender.GetParameters()

	out := protocol.RtpParameters{}
	for _, c := range params.Codecs {
		out.Codecs = append(out.Codecs, protocol.RtpCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}
	for _, e := range params.Encodings {
		out.Encodings = append(out.Encodings, protocol.RtpEncodingParameters{SSRC: uint32(e.SSRC)})
	}
	return &ortcSender{sender: sender, params: params, ctx: t.ctx}, out, nil
}

func (t *ortcTransport) Receive(kind protocol.MediaKind, params protocol.RtpParameters) (sfu.ReceiverHandle, error) {
	if len(params.Encodings) == 0 || len(params.Codecs) == 0 {
		return nil, fmt.Errorf("consumer parameters carry no encoding")
	}
	receiver, err := t.api.NewRTPReceiver(kind.CodecType(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP receiver: %w", err)
	}

	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to start RTP receiver: %w", err)
	}

	track := receiver.Track()
	ctx, cancel := context.WithCancel(t.ctx)
	if kind == protocol.MediaKindVideo {
		if _, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			t.log.Debug("keyframe request: %v", err)
		}
	}
	go func() {
		if err := media.Drain(ctx, track, media.CountLoss()); err != nil {
			t.log.Debug("drain %s: %v", track.ID(), err)
		}
	}()
	return &ortcReceiver{receiver: receiver, track: track, cancel: cancel}, nil
}

func (t *ortcTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	})
	return err
}

type ortcSender struct {
	sender *webrtc.RTPSender
	params webrtc.RTPSendParameters
	ctx    context.Context
}

func (s *ortcSender) Start() error {
	if err := s.sender.Send(s.params); err != nil {
		return err
	}
	go readRTCP(s.ctx, s.sender)
	return nil
}

func (s *ortcSender) ReplaceTrack(t *media.LocalTrack) error {
	if t == nil {
		return s.sender.ReplaceTrack(nil)
	}
	return s.sender.ReplaceTrack(t.TrackLocal)
}

func (s *ortcSender) Close() error {
	return s.sender.Stop()
}

type ortcReceiver struct {
	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackRemote
	cancel   context.CancelFunc
}

func (r *ortcReceiver) Track() media.Track { return r.track }

func (r *ortcReceiver) Close() error {
	r.cancel()
	return r.receiver.Stop()
}

var _ sfu.Backend = (*ORTC)(nil)
