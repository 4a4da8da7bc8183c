// Package browser hands URLs to the user's default web browser.
package browser

import (
	"github.com/skratchdot/open-golang/open"
)

// Opener opens a URL outside the application. It does not wait for the browser.
type Opener interface {
	Open(url string) error
}

// System opens URLs with the operating system's default handler.
type System struct{}

// Open starts the default browser on url.
func (System) Open(url string) error { return open.Start(url) }

// Func adapts a plain function to Opener.
type Func func(url string) error

// Open calls f(url).
func (f Func) Open(url string) error { return f(url) }
