// Package syncengine drives one peer's replicated document through the
// state machine, push cycle and apply cycle described in §4.G: it reads
// host state through a storeadapter.Adapter, keeps a docstore.Document in
// sync across a transport.Adapter, and persists bookkeeping in a
// vault.Vault so repeated applies, dismissals and authorship guards survive
// a restart.
//
// Engine owns the vault, the backup journal, the document, the transport
// adapter handle and the store-adapter handle; nothing points back to the
// engine except through the typed callbacks (transport.Events,
// storeadapter.ChangeListener, docstore.Observer) — see §9's note on
// replacing cyclic owner graphs with composition.
//
// Config.OnStatus and Config.OnNotify expose §7's user-visible channels: a
// short status surface (Status: connecting/connected/syncing/offline/error) derived
// from the state machine and transport connectivity, and toast-like
// Notifications for remote-apply/retract/dismiss events. Neither ever
// carries a raw error value — only a short, host-safe message string.
package syncengine
