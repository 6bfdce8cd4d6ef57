package driver

import "github.com/vkngwrapper/core/v2/common"

// MapAccessFlags describe how mapped buffer memory will be accessed by the host
type MapAccessFlags int32

var mapAccessFlagsMapping = common.NewFlagStringMapping[MapAccessFlags]()

func (f MapAccessFlags) Register(str string) {
	mapAccessFlagsMapping.Register(f, str)
}
func (f MapAccessFlags) String() string {
	return mapAccessFlagsMapping.FlagsToString(f)
}

const (
	// MapRead indicates the mapped range will be read by the host
	MapRead MapAccessFlags = 1 << iota
	// MapWrite indicates the mapped range will be written by the host
	MapWrite
	// MapInvalidateRange indicates the previous contents of the mapped range may be discarded
	MapInvalidateRange
	// MapInvalidateBuffer indicates the previous contents of the entire buffer may be discarded
	MapInvalidateBuffer
	// MapFlushExplicit indicates modified subranges will be flushed explicitly before unmapping
	MapFlushExplicit
	// MapUnsynchronized requests that the map not wait for pending device copies to finish. Data
	// read or written through such a mapping may race with those copies.
	MapUnsynchronized
	// MapPersistent requests that the mapping remain valid while the device uses the buffer
	MapPersistent
	// MapCoherent requests that host writes to a persistent mapping become visible without a flush
	MapCoherent
)

func init() {
	MapRead.Register("MapRead")
	MapWrite.Register("MapWrite")
	MapInvalidateRange.Register("MapInvalidateRange")
	MapInvalidateBuffer.Register("MapInvalidateBuffer")
	MapFlushExplicit.Register("MapFlushExplicit")
	MapUnsynchronized.Register("MapUnsynchronized")
	MapPersistent.Register("MapPersistent")
	MapCoherent.Register("MapCoherent")
}
