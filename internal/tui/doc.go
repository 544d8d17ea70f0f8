/*
Package tui implements the live progress view shown by `stompload run --tui`.

# Architecture

The view follows the Bubble Tea framework's Model-Update-View pattern:
  - Model: the latest harness progress snapshot plus spinner state
  - Update: polls the harness every 100ms and reacts to keys
  - View: renders the current phase, a progress bar and delivery counts

The harness runs on its own goroutine. Its result reaches the model as a
runFinishedMsg, which ends the program. Pressing q, esc or ctrl+c cancels the
run context; the view stays up until the harness has cleaned up and reported.
*/
package tui
