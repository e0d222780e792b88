// Package chat contains the chat auth bridge.
//
// The bridge holds one outbound IRC subscription to the configured Twitch channel and
// projects every inbound message down to a (sender, content) pair. That pair is the
// whole authentication mechanism: when a viewer posts their connection's one-time
// challenge token into chat, the hub correlates the exact token text back to the
// pending connection and binds it to the sender's chat identity. Only the holder of
// the connection can read the token, and only the named identity can post it, so an
// exact match proves control of both.
//
// Credentials: with TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN set the client
// authenticates; otherwise it connects anonymously, which Twitch permits for
// read-only chat and is sufficient here.
package chat
