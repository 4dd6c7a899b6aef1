// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the capture transfer engine: the bounded
// completion backlog shared by the completion goroutine and the consumer.
package concurrency
