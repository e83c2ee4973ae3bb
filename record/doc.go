// Package record frames values into a self-delimiting binary stream and
// persists the value traffic of a store.
//
// A record is a CBOR envelope (time, topic, type, id), the CBOR field array
// of the value, a CBOR ExtMem header and, when the header says so, the raw
// or zlib-deflated external memory bytes.
//
// Recorder listens to every topic of a store and writes a record per value
// from a single writer goroutine. While running it publishes a Status on
// StatusTopic once per second.
//
//	rec, err := record.NewRecorder(store, codec, record.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	rec.EnableExtMemSerialization("/camera/image")
//	rec.EnableExtMemCompression("/camera/image")
//	if err := rec.Start(record.DefaultFilename("/var/log/mcf")); err != nil {
//		return err
//	}
//	defer rec.Stop()
//
// Reader indexes a record file and gives random or sequential access:
//
//	rd, err := record.Open(path, codec)
//	if err != nil {
//		return err
//	}
//	defer rd.Close()
//	for rec, err := range rd.All(record.Topics("/camera/image")) {
//		...
//	}
package record
