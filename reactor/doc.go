// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness reactor used by poll-gated capture devices:
// epoll on Linux with an eventfd wake-up so a blocked wait can be cancelled.
package reactor
