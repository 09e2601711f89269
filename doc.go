// Package custody implements an evidence integrity and anchoring engine for
// investigation case files.
package custody

// Evidence Custody & Anchoring
//
// An uploaded file is fingerprinted (SHA-256), durably persisted in a record
// store, and its fingerprint is anchored on an external append-only ledger.
// Verification re-derives the fingerprint from stored content and
// cross-checks it against both the committed fingerprint and the ledger to
// produce a tamper verdict.
//
// The record store write is the durability commit point: evidence is never
// lost because the ledger was briefly unreachable. The ledger is a
// non-repudiation witness; its unavailability downgrades outcomes
// ("anchor pending" at intake, "unknown" at verification) but never fails
// intake and is never read as tamper evidence.
//
// Usage:
//
//	store, _ := custody.OpenSQLiteStore("file:custody.db")
//	ledger := custody.NewHTTPLedger("https://ledger.example.com")
//
//	coord := custody.NewCoordinator(store, store, ledger, custody.CoordinatorConfig{}, logger)
//	res, _ := coord.CreateEvidence(ctx, custody.CreateRequest{
//		CaseRef:    "CASE-2031",
//		Content:    fileBytes,
//		UploadedBy: "0x52908400098527886e0f7030069857d2e4169ee7",
//		FileName:   "disk-image.dd",
//	})
//	if res.AnchorPending {
//		// ledger was unreachable; evidence exists, anchor can be retried:
//		// coord.Reanchor(ctx, res.Record.EvidenceRef)
//	}
//
//	verifier := custody.NewVerifier(store, ledger, logger)
//	verdict, _ := verifier.Verify(ctx, res.Record.EvidenceRef)
//	// verdict.Verdict: verified | tampered | unknown
//	// verdict.Reason distinguishes hash mismatch from a missing anchor.
//
// Storage backends:
//
//  1. SQLite (sqlite_store.go) - DEFAULT
//     - single-file DB, WAL mode, ACID transactions
//     - hosts both evidence records and the case directory
//
//  2. Directory (file_store.go) - ALTERNATIVE
//     - one directory per evidence ref: content.bin + record.gob
//     - no SQL dependency at runtime; pair with StaticCaseDirectory
//
// The ledger side is pluggable behind LedgerClient: HTTPLedger speaks to a
// gateway fronting the deployed contract (addEvidence / verifyEvidence);
// MemoryLedger is the in-process reference used in tests and single-machine
// setups; LedgerGateway exposes any LedgerClient over HTTP.
