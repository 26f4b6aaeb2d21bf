package substrate

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
)

// workerEnv marks a process as a pool worker. The pool re-executes the host
// binary with this variable set; WorkerInit picks it up.
const workerEnv = "WEFT_PROCESS_WORKER"

// procRequest is one job sent host -> worker over the worker's stdin.
type procRequest struct {
	ID   uint64
	Name string
	Args []any
}

// procResponse is the matching reply, worker -> host over stdout.
type procResponse struct {
	ID    uint64
	Value any
	Err   string
}

// WorkerInit is the worker-process entrypoint. Binaries that use
// NewProcessPool must call it at the top of main, before any other work:
//
//	func main() {
//	    if substrate.WorkerInit() {
//	        return
//	    }
//	    // normal program
//	}
//
// It returns false immediately in ordinary processes. In a process spawned
// by a pool it serves jobs from stdin until the host closes the pipe, then
// returns true so main can exit.
func WorkerInit() bool {
	if os.Getenv(workerEnv) == "" {
		return false
	}
	serveWorker(os.Stdin, os.Stdout)
	return true
}

func serveWorker(in *os.File, out *os.File) {
	dec := gob.NewDecoder(in)
	enc := gob.NewEncoder(out)

	for {
		var req procRequest
		if err := dec.Decode(&req); err != nil {
			return
		}

		resp := procResponse{ID: req.ID}
		v, err := runWork(context.Background(), Call{Name: req.Name, Args: req.Args})
		switch {
		case err != nil:
			resp.Err = err.Error()
		default:
			resp.Value = v
		}

		// A result the host could never decode would corrupt the
		// stream; trial-encode and report it as a work failure
		// instead.
		if resp.Err == "" {
			if err := gob.NewEncoder(&bytes.Buffer{}).Encode(&resp); err != nil {
				resp = procResponse{
					ID:  req.ID,
					Err: fmt.Sprintf("result not serializable: %v", err),
				}
			}
		}

		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}
