package client

// Response is the reassembled output of one command: the bodies of
// every packet received before the tracking sentinel's echo,
// concatenated in receipt order. It is a session-level result, not a
// protocol entity.
type Response struct {
	body string
}

// Body returns the concatenated response text.
func (r Response) Body() string {
	return r.body
}
