// Package realtime manages client side realtime voice sessions.
//
// A Session captures the microphone, opens one duplex connection to a realtime
// speech endpoint (a WebSocket by default, or a WebRTC peer connection), sends the
// opening sequence (session.update, conversation.item.create, response.create) and
// then streams microphone chunks while it turns inbound events into transcript and
// response callbacks and plays synthesized audio as it arrives.
//
//	s := realtime.OpenSession(cfg,
//		realtime.WithLogger(logger),
//		realtime.WithTranscriptHandler(func(text string, final bool) { ... }),
//		realtime.WithResponseHandler(func(text string, final bool) { ... }),
//		realtime.WithErrorHandler(func(err error) { ... }),
//	)
//	if err := s.StartListening(ctx); err != nil {
//		return err
//	}
//	defer s.StopListening()
//
// StopListening is idempotent and releases the recorder, the microphone, the
// transport and the playback context in that order. Any fatal error runs the same
// teardown before it reaches the error handler.
package realtime
