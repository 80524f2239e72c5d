package fieldbus

import "fmt"

// LayoutBuilder accumulates byte offsets for PDO entries in sync-manager
// order: walk sync managers, classify them, enumerate entries, and append
// an offset every time an entry name repeats (multi-axis replicas). Any
// real [Handle] implementation can reuse this to turn a scan result into
// a [Layout] without duplicating the accumulation logic; the simulated
// backend uses it directly.
type LayoutBuilder struct {
	buf     []byte
	offsets map[EntryKey][]ByteRange
}

func NewLayoutBuilder() *LayoutBuilder {
	return &LayoutBuilder{offsets: map[EntryKey][]ByteRange{}}
}

// Build walks every descriptor's sync managers and entries in order,
// allocating byte ranges from bit lengths (rounded up to whole bytes; a
// sub-byte entry is only legal as unnamed padding and is skipped rather
// than surfaced).
func (b *LayoutBuilder) Build(descriptors []SlaveDescriptor) (Layout, MailboxInputEntries, error) {
	if len(descriptors) == 0 {
		return Layout{}, nil, &TopologyError{Reason: "no slaves discovered"}
	}

	mailboxEntries := MailboxInputEntries{}

	for _, d := range descriptors {
		for _, sm := range d.SyncManagers {
			for _, entry := range sm.Entries {
				if entry.Name == "" {
					// Padding: bit length must still be consumed to keep
					// the following entries aligned, but it is never
					// surfaced as an addressable key.
					b.advance(entry.BitLength)
					continue
				}
				if entry.BitLength%8 != 0 {
					return Layout{}, nil, &TopologyError{
						Reason: fmt.Sprintf("slave %d entry %q: sub-byte length %d bits outside padding",
							d.Position, entry.Name, entry.BitLength),
					}
				}
				replicas := entry.ReplicaHint
				if replicas <= 0 {
					replicas = 1
				}
				key := EntryKey{SlavePosition: d.Position, Name: entry.Name}
				for i := 0; i < replicas; i++ {
					rng := b.allocate(entry.BitLength / 8)
					b.offsets[key] = append(b.offsets[key], rng)
				}
				if sm.Mode == ModeMailbox && sm.Direction == DirectionInput {
					mailboxEntries[d.Position] = append(mailboxEntries[d.Position], entry.Name)
				}
			}
		}
	}

	return Layout{Image: b.buf, Offsets: b.offsets}, mailboxEntries, nil
}

func (b *LayoutBuilder) advance(bits int) {
	bytes := (bits + 7) / 8
	b.buf = append(b.buf, make([]byte, bytes)...)
}

func (b *LayoutBuilder) allocate(numBytes int) ByteRange {
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, numBytes)...)
	return ByteRange{Start: start, End: start + numBytes}
}
