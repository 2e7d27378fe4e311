// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

// sanity check the configuration
func init() {
	if FrameHeaderSize != 24 {
		panic("FrameHeaderSize != 24")
	}
	if TaskBufferSize < 1 {
		panic("TaskBufferSize < 1")
	}
	if DefaultPoolCapacity < 1 {
		panic("DefaultPoolCapacity < 1")
	}
	if DefaultAggregationSlots < 1 {
		panic("DefaultAggregationSlots < 1")
	}
	if DefaultAggregationSlots > ProtocolMaxSlots {
		panic("DefaultAggregationSlots > ProtocolMaxSlots")
	}
	if DefaultAggregationBlobSize < FrameHeaderSize+MaxResponseHeaderSize {
		panic("DefaultAggregationBlobSize < FrameHeaderSize+MaxResponseHeaderSize")
	}
	if DefaultPort < 1 {
		panic("DefaultPort < 1")
	}
}
