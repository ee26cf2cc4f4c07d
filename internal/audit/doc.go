// Package audit implements the asynchronous queue behind auth-state event
// publication.
//
// A [Dispatcher] owns one worker goroutine that drains a buffered channel into a
// handler. Publishers never wait on the handler; when the buffer is full an event is
// either dropped and counted or, with DropIfFull unset, the publisher waits for room
// until its context ends.
package audit
