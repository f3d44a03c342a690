// Package buffer provides an unbounded, thread-safe FIFO queue.
//
// Buffer backs every chunk stream and every broadcast subscription in
// charcore. Producers never block; consumers block until data arrives or the
// buffer is closed. CloseWrite is the graceful end (drain, then
// ErrIteratorDone) and CloseWithError is the abort.
//
//	buf := buffer.N[string](16)
//	buf.Add("hello")
//	buf.CloseWrite()
//
//	for {
//		s, err := buf.Next()
//		if err != nil {
//			break // buffer.ErrIteratorDone
//		}
//		fmt.Println(s)
//	}
package buffer
