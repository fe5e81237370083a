package rtc

import (
	"bytes"
	"context"

	"github.com/radebe49/objection-dojo/internal/playback"
	"github.com/radebe49/objection-dojo/internal/tts"
)

// deepgramVoice adapts the streaming Deepgram client to the synthesize
// contract by collecting the whole PCM48k stream before playback.
type deepgramVoice struct {
	c *tts.DeepgramClient
}

func (v *deepgramVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	pcmCh, errCh := v.c.StreamPCM48k(ctx, text)
	var buf bytes.Buffer
	for b := range pcmCh {
		buf.Write(b)
	}
	if err, ok := <-errCh; ok && err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pcmPlayer routes raw PCM48k payloads through the controller, skipping
// MP3 decode.
type pcmPlayer struct {
	ctrl *playback.Controller
}

func (p pcmPlayer) Play(payload []byte, done func(error)) { p.ctrl.PlayPCM48(payload, done) }
func (p pcmPlayer) Stop()                                 { p.ctrl.Stop() }
