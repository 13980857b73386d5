// camera.go defines what the engine exchanges with the client and with the
// hardware capture pipeline.

// Package camera describes the two camera-side collaborators of the
// slow-motion engine: the client submitting requests and receiving
// results, and the capture pipeline producing frames.
package camera

import (
	"context"
	"time"

	"github.com/xaionaro-go/slowmo/buffer"
	"github.com/xaionaro-go/slowmo/metadata"
	"github.com/xaionaro-go/slowmo/types"
)

// ClientRequest is a capture request as submitted by the client.
type ClientRequest struct {
	FrameNumber types.FrameNumber
	Buffers     []buffer.StreamBuffer
	Settings    *types.Settings
}

// ClientResult is a (possibly partial) capture result for the client. The
// receiver takes over both metadata handles.
type ClientResult struct {
	FrameNumber    types.FrameNumber
	Buffers        []buffer.StreamBuffer
	InputMetadata  metadata.Handle
	OutputMetadata metadata.Handle
}

// ResultSink is the client-facing result channel.
type ResultSink interface {
	IssueShutter(ctx context.Context, frameNumber types.FrameNumber, timestamp time.Duration)
	IssueResult(ctx context.Context, result *ClientResult)
	// IssuePartialResult takes over the handle.
	IssuePartialResult(ctx context.Context, frameNumber types.FrameNumber, partial metadata.Handle)
	IssueError(ctx context.Context, frameNumber types.FrameNumber, kind types.ErrorKind, stream types.StreamKind)
}

// PipelineRequest is a request submitted to the capture pipeline.
type PipelineRequest struct {
	FrameNumber types.FrameNumber
	Buffers     []buffer.StreamBuffer
	Settings    *types.Settings
}

// PipelineResult is what the capture pipeline reports back for a request.
// The engine takes over both metadata handles.
type PipelineResult struct {
	FrameNumber    types.FrameNumber
	Buffers        []buffer.StreamBuffer
	InputMetadata  metadata.Handle
	OutputMetadata metadata.Handle
}

// Pipeline is the hardware capture pipeline. Results come back
// asynchronously through the engine's Process* methods.
type Pipeline interface {
	SubmitRequest(ctx context.Context, req *PipelineRequest) error
	Flush(ctx context.Context) error
}
