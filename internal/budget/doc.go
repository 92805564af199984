// Package budget sizes assistant requests per session.
//
// Each session key keeps an exponential moving average of observed input and
// output tokens (ema' = α·obs + (1-α)·ema). The first observation seeds the
// average. Limits applies 2.2× headroom to input and 1.6× to output and clamps
// into the configured bounds; keys with no observation get the defaults.
package budget
