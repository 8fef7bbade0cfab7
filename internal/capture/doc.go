// Package capture turns a stream of captured audio frames into a single clip.
//
// A Recorder moves through an explicit lifecycle:
//
//	Idle -> Recording -> Stopped -> Encoded
//	            |           |
//	            +-----------+-----> Failed
//
// Start opens a recording at the device's native rate, Write appends
// sequence-numbered frames, Stop freezes the accumulated samples into a Clip
// and Encode hands that clip to an Encoder (normally the pipeline) to produce
// the 16-bit upload payload. Completion is signalled through Done, Result and
// the optional OnComplete callback. Any call made in the wrong state returns
// an error wrapping ErrInvalidState.
package capture
