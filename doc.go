// Package instrumentd exposes the Go APIs behind the command broker that
// lets many concurrent callers share one exclusive connection to a stateful
// instrument. The broker owns a single worker, multiplexes commands over the
// worker's inbound channel, and demultiplexes responses back to each caller
// by correlation id, so the expensive physical connection is opened once and
// shared safely.
//
// # Talking to an instrument
//
// Construct one broker per instrument endpoint and pass it by reference to
// every collaborator that needs the device:
//
//	cfg := instrumentd.Config{
//	    Target:       "spm-controller:6742",
//	    Profile:      "tunneling",
//	    ProfilesPath: "profiles.yaml",
//	}
//	broker, err := instrumentd.NewBroker(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close(context.Background())
//
//	h, err := broker.Acquire(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Release(context.Background())
//
//	resp, err := broker.Send(ctx, "read", map[string]any{"channel": "z", "samples": 4})
//
// Acquire lazily spawns the worker; concurrent acquirers share it and hold
// one reference each. The last Release shuts the worker down in an orderly
// fashion, force-terminating it when it does not answer within the grace
// period. Send and SendTimeout block only the calling goroutine: each caller
// waits on its own correlation id, never on other callers' commands.
//
// A send that times out abandons its pending entry; the late response, if it
// ever arrives, is logged and dropped. Responses are never delivered to any
// caller other than the one whose command id they carry.
//
// # Mock mode
//
// Setting Config.Mock runs the worker in-process against a simulated
// instrument, which keeps development and CI off real hardware. The worker
// subcommand of the instrumentd binary hosts the same harness out of process
// over stdio.
package instrumentd
