package broker

// CodeIssuedMessage 配对码签发
type CodeIssuedMessage struct {
	Code      string `json:"code"`
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// PairedMessage 配对完成
type PairedMessage struct {
	Code         string `json:"code"`
	DeviceID     string `json:"device_id"`
	ControllerID string `json:"controller_id"`
	Token        string `json:"token"`
	Timestamp    int64  `json:"timestamp"`
}

// ExpiredMessage 配对码过期或被撤销
type ExpiredMessage struct {
	Code      string `json:"code"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// DisplayDisconnectedMessage 显示端断开
type DisplayDisconnectedMessage struct {
	DeviceID      string   `json:"device_id"`
	ControllerIDs []string `json:"controller_ids"`
	Timestamp     int64    `json:"timestamp"`
}

// DisplayContentMessage 下发到显示端的内容
type DisplayContentMessage struct {
	DeviceID     string `json:"device_id"`
	ControllerID string `json:"controller_id"`
	Content      []byte `json:"content"`
}

// NodeShutdownMessage 节点下线消息
type NodeShutdownMessage struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}
