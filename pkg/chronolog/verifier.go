package chronolog

// Report is the outcome of a full integrity re-scan.
type Report struct {
	Verified      bool         `json:"verified"`
	VerifiedCount int          `json:"verified_count"`
	Corrupted     []Corruption `json:"corrupted"`
}

// VerifyLog re-scans the entire log, recomputing every record's signature
// and comparing it in constant time against the stored value. The log is
// never mutated. A damaged record becomes a finding, not an abort, so one
// bad line never hides the verifiability of the rest. A missing signing
// key is reported as unverified findings rather than an error.
func VerifyLog(pl *ProjectLog) (*Report, error) {
	it, err := pl.Store().Iterate()
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	report := &Report{Verified: true}
	for it.Next() {
		rec := it.Record()

		switch {
		case rec.Err != nil:
			finding := Corruption{Position: rec.Position, Reason: rec.Err.Error()}
			if cre, ok := rec.Err.(*CorruptRecordError); ok {
				finding = cre.Finding
			}
			report.Corrupted = append(report.Corrupted, finding)
		case !pl.Signer().HasKey():
			report.Corrupted = append(report.Corrupted, Corruption{
				Position: rec.Position,
				Reason:   "not verified: no signing key configured",
			})
		case !pl.Signer().Verify(rec.Event):
			report.Corrupted = append(report.Corrupted, Corruption{
				Position: rec.Position,
				Reason:   "signature mismatch",
			})
		default:
			report.VerifiedCount++
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	report.Verified = len(report.Corrupted) == 0
	return report, nil
}
