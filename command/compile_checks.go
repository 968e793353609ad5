package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[InvokeMessage]    = (*InvokeCommand)(nil)
	_ gocmd.Commander[AuthorizeMessage] = (*AuthorizeCommand)(nil)
	_ gocmd.Commander[LogoutMessage]    = (*LogoutCommand)(nil)
	_ gocmd.Commander[RefreshMessage]   = (*RefreshCommand)(nil)
)
