package device

// Patch is a partial update. A nil field was absent from the incoming
// message and leaves the stored value untouched.
type Patch struct {
	BoardType       *string
	FirmwareVersion *string

	HashRate  *string
	Share     *string
	NetDiff   *string
	PoolDiff  *string
	LastDiff  *string
	BestDiff  *string
	Valid     *int64
	Progress  *float64
	Temp      *float64
	RSSI      *float64
	FreeHeap  *float64
	Uptime    *string
	PoolInUse *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch carries no fields.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// apply overwrites every present field of rec.
func (p Patch) apply(rec *Record) {
	setIf(&rec.BoardType, p.BoardType)
	setIf(&rec.FirmwareVersion, p.FirmwareVersion)

	m := &rec.Metrics
	setIf(&m.HashRate, p.HashRate)
	setIf(&m.Share, p.Share)
	setIf(&m.NetDiff, p.NetDiff)
	setIf(&m.PoolDiff, p.PoolDiff)
	setIf(&m.LastDiff, p.LastDiff)
	setIf(&m.BestDiff, p.BestDiff)
	setIf(&m.Valid, p.Valid)
	setIf(&m.Progress, p.Progress)
	setIf(&m.Temp, p.Temp)
	setIf(&m.RSSI, p.RSSI)
	setIf(&m.FreeHeap, p.FreeHeap)
	setIf(&m.Uptime, p.Uptime)
	setIf(&m.PoolInUse, p.PoolInUse)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
