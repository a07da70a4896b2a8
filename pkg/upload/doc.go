// Package upload receives files sent as a sequence of chunks over the
// livestate WebSocket connection.
//
// A transfer is opened with Start, fed with ReceiveChunk and finished with
// Complete:
//
//	mgr := upload.NewManager(store, upload.DefaultConfig(), logger)
//	defer mgr.Close()
//
//	mgr.Start("u1", "report.pdf", "application/pdf", 150000, 65536)
//	mgr.ReceiveChunk("u1", 0, chunk0)
//	mgr.ReceiveChunk("u1", 1, chunk1)
//	res, err := mgr.Complete(ctx, "u1")
//
// # Byte Accounting
//
// Progress counts decoded payload bytes, not chunks, because clients resize
// chunks mid-transfer. A chunk index that was already recorded is accepted
// again without being counted twice, so a client may safely retry a chunk
// whose acknowledgment was lost.
//
// Complete succeeds only when the received byte count equals the declared
// total. On a mismatch the session is kept so the missing chunks can still
// be sent.
//
// # Storage
//
// Assembled files are written through a Store under
// <prefix>/<unix-millis>_<sanitized filename>. DiskStore writes to the local
// filesystem and S3Store to an S3 bucket.
//
// # Expiry
//
// A background sweep removes sessions with no activity for twice the chunk
// timeout. Later calls for a swept id fail with ErrExpired.
package upload
