// Command audiosocket-probe plays the switch side of an AudioSocket call
// against a running callbridge: it sends an ID frame, streams audio at real
// time, and saves whatever the engine speaks back as a WAV file.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/audiosocket"
)

const wavHeaderBytes = 44

func main() {
	addr := flag.String("addr", "localhost:9092", "AudioSocket address")
	input := flag.String("audio", "", "8 kHz signed linear input (.raw or .wav); silence when empty")
	output := flag.String("out", "probe_reply.wav", "where to save received audio")
	talk := flag.Duration("talk", 5*time.Second, "how long to send silence when no input is given")
	listen := flag.Duration("listen", 10*time.Second, "how long to keep listening after sending")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pcm, err := loadInput(*input, *talk)
	if err != nil {
		logger.Fatal("Failed to read input audio", zap.Error(err))
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	callID := uuid.New()
	logger = logger.With(zap.String("callID", callID.String()))
	if _, err := conn.Write(audiosocket.Encode(audiosocket.IDFrame(callID))); err != nil {
		logger.Fatal("Failed to send ID frame", zap.Error(err))
	}
	logger.Info("Connected", zap.String("addr", *addr), zap.Int("inputBytes", len(pcm)))

	received := make(chan []byte, 1)
	go receive(conn, received, logger)

	send(ctx, conn, pcm, logger)

	select {
	case <-ctx.Done():
	case <-time.After(*listen):
	}
	conn.Write(audiosocket.Encode(audiosocket.HangupFrame()))
	conn.(*net.TCPConn).CloseWrite()

	var reply []byte
	select {
	case reply = <-received:
	case <-time.After(2 * time.Second):
		logger.Warn("Engine did not close the connection")
		conn.Close()
		reply = <-received
	}

	if err := os.WriteFile(*output, audio.WAV(reply), 0o644); err != nil {
		logger.Fatal("Failed to save reply audio", zap.Error(err))
	}
	logger.Info("Saved reply audio",
		zap.String("path", *output),
		zap.Duration("duration", audio.Duration(len(reply))))
}

func loadInput(path string, talk time.Duration) ([]byte, error) {
	if path == "" {
		return make([]byte, int(talk.Seconds()*audio.BytesPerSecond)&^1), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".wav") && len(data) > wavHeaderBytes {
		data = data[wavHeaderBytes:]
	}
	return data[:len(data)&^1], nil
}

// send streams pcm in 20 ms frames at real time
func send(ctx context.Context, conn net.Conn, pcm []byte, logger *zap.Logger) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	frames := audio.Split(pcm, audio.FrameBytes)
	for i, frame := range frames {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := conn.Write(audiosocket.Encode(audiosocket.AudioFrame(frame))); err != nil {
			logger.Error("Failed to send audio frame", zap.Int("frame", i), zap.Error(err))
			return
		}
	}
	logger.Info("Finished sending audio", zap.Int("frames", len(frames)))
}

// receive collects outbound audio until the engine closes the connection
func receive(conn net.Conn, out chan<- []byte, logger *zap.Logger) {
	var reply []byte
	defer func() { out <- reply }()

	dec := audiosocket.NewDecoder(audiosocket.DefaultMaxPayload)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				frame, ok, derr := dec.Next()
				if derr != nil {
					logger.Error("Bad frame from engine", zap.Error(derr))
					return
				}
				if !ok {
					break
				}
				switch frame.Kind {
				case audiosocket.KindAudio:
					reply = append(reply, frame.Payload...)
				case audiosocket.KindHangup:
					logger.Info("Engine hung up")
					return
				case audiosocket.KindError:
					logger.Warn("Engine reported an error", zap.Binary("payload", frame.Payload))
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}
	}
}
