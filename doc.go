// Package gotransfer provides a resilient client for moving files over FTP,
// FTPS and SFTP.
//
// This package provides:
//   - A bounded pool of authenticated sessions, probed before reuse
//   - Retry logic with fixed or exponential backoff for transient failures
//   - Streaming uploads and downloads with progress and keepalives
//   - Directory and file commands (list, exists, move, rename, delete)
//   - Integrity checks by size and digest, with a download fallback
//   - Parallel batches where one failing file never stops the rest
//
// # Basic Usage
//
// Create a client and download a file:
//
//	client, err := gotransfer.New(gotransfer.Config{
//		Host:     "ftp.example.com",
//		User:     "deploy",
//		Password: os.Getenv("FTP_PASSWORD"),
//		UseTLS:   true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	_, err = client.Download(ctx, "/outgoing/report.csv", "report.csv")
//
// Every operation acquires a session from the pool, retries the whole
// operation on failure and releases the session afterwards. Errors match
// one of ErrConnection, ErrTransfer, ErrIntegrity or ErrMetadata with
// errors.Is.
//
// # Held Sessions
//
// To run several commands on one connection, for example relative to a
// working directory, hold a session:
//
//	h, err := client.Hold(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Release()
//
//	if err := h.ChangeDir(ctx, "/incoming"); err != nil {
//		log.Fatal(err)
//	}
//	names, err := h.List(ctx, ".", true)
//
// # Batches
//
// ParallelUpload, ParallelDownload and RunBatch run at most MaxConnections
// transfers at once and report per-item results:
//
//	report := client.ParallelUpload(ctx, []gotransfer.BatchItem{
//		{Local: "a.csv", Remote: "/in/a.csv"},
//		{Local: "b.csv", Remote: "/in/b.csv"},
//	})
//	for _, f := range report.Failures() {
//		log.Printf("%s: %v", f.Source, f.Err)
//	}
package gotransfer
