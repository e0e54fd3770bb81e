// Package notifier delivers rendered job messages to a chat.
//
// A Sink accepts one batch of messages per call. The chat sink packs the
// batch into as few chat messages as the platform text limit allows, waits
// on a shared rate limiter and retries failed sends with capped exponential
// backoff. Every call is charged a fixed cost regardless of how many
// messages it carries.
//
// The log sink writes each message to the log instead and is used when no
// chat is configured.
package notifier
