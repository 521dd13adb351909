package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBCredentials struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	AvatarURL    string `msgpack:"avatarUrl"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (c *DBCredentials) Key() []byte {
	return []byte(c.UserName)
}

func (c *DBCredentials) MarshalBinary() (data []byte, err error) {
	type alias DBCredentials
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCredentials) UnmarshalBinary(data []byte) error {
	type alias DBCredentials
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBDisconnectHook is an update registered by a connection to be applied
// when that connection goes away. Hooks survive restarts so updates owed
// by connections lost in a crash are applied on the next start.
type DBDisconnectHook struct {
	ConnID string         `msgpack:"connId"`
	Path   string         `msgpack:"path"`
	Fields map[string]any `msgpack:"fields"`
}

func (h *DBDisconnectHook) Key() []byte {
	return []byte(h.ConnID + "\x00" + h.Path)
}

func (h *DBDisconnectHook) MarshalBinary() (data []byte, err error) {
	type alias DBDisconnectHook
	return msgpack.Marshal((*alias)(h))
}

func (h *DBDisconnectHook) UnmarshalBinary(data []byte) error {
	type alias DBDisconnectHook
	return msgpack.Unmarshal(data, (*alias)(h))
}
