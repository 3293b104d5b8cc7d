// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// transcodeChunkSize is the block size read from the transcoder's stdout.
const transcodeChunkSize = 64 << 10

// transcoderBin is the external audio transcoder. Overridable in tests.
var transcoderBin = "ffmpeg"

// transcodeArgs builds the ffmpeg arguments converting from sourceFormat
// (a container/codec the provider emits, e.g. "ogg" or raw "pcm") to the
// requested target.
func transcodeArgs(sourceFormat, targetFormat string, sampleRate int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if sourceFormat == "pcm" {
		args = append(args, "-f", "s16le", "-ar", fmt.Sprint(sampleRate), "-ac", "1")
	} else {
		args = append(args, "-f", sourceFormat)
	}
	args = append(args, "-i", "pipe:0")
	switch targetFormat {
	case "wav":
		args = append(args, "-f", "wav")
	case "flac":
		args = append(args, "-f", "flac")
	case "aac":
		args = append(args, "-f", "adts", "-c:a", "aac")
	case "mp3":
		args = append(args, "-f", "mp3")
	case "opus":
		args = append(args, "-f", "opus")
	default:
		args = append(args, "-f", targetFormat)
	}
	return append(args, "pipe:1")
}

// Transcode pipes src through the external transcoder and hands decoded
// blocks to emit. The subprocess is terminated when ctx is cancelled. A
// missing transcoder binary is reported as a client-visible configuration
// error.
func Transcode(ctx context.Context, src io.Reader, sourceFormat, targetFormat string, sampleRate int, emit func([]byte) error) error {
	if _, err := exec.LookPath(transcoderBin); err != nil {
		return gwerrors.InvalidRequest(fmt.Sprintf(
			"response_format %q requires the %s transcoder, which is not installed on the gateway host; ask the administrator to install it or request a native format", targetFormat, transcoderBin))
	}

	cmd := exec.CommandContext(ctx, transcoderBin, transcodeArgs(sourceFormat, targetFormat, sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening transcoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening transcoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting transcoder: %w", err)
	}

	feedErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdin, src)
		stdin.Close()
		feedErr <- err
	}()

	buf := make([]byte, transcodeChunkSize)
	var emitErr error
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 && emitErr == nil {
			emitErr = emit(buf[:n])
			if emitErr != nil {
				// Stop consuming; CommandContext kills the process when the
				// caller cancels, and Wait below reaps it either way.
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			emitErr = fmt.Errorf("reading transcoder output: %w", rerr)
			break
		}
	}

	waitErr := cmd.Wait()
	ferr := <-feedErr
	if emitErr != nil {
		return emitErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("transcoder failed: %w", waitErr)
	}
	if ferr != nil && ferr != io.ErrClosedPipe {
		return fmt.Errorf("feeding transcoder: %w", ferr)
	}
	return nil
}
