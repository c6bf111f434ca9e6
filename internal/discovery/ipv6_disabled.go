//go:build noipv6

package discovery

const ipv6Supported = false
