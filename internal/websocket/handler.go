package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS 处理WebSocket升级请求
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h, conn)
	if !h.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// BrewStateEvent 冲煮状态变化事件
type BrewStateEvent struct {
	State  hardware.BrewState     `json:"state"`
	Status hardware.MachineStatus `json:"status"`
}

// BindCoffeeMaker 将冲煮状态变化广播给所有客户端
func BindCoffeeMaker(h *Hub, maker *hardware.CoffeeMaker) {
	maker.OnStateChange(func(state hardware.BrewState) {
		h.Broadcast(MessageTypeBrewState, BrewStateEvent{
			State:  state,
			Status: maker.Status(),
		})
	})
}

// StatusOf 以咖啡机状态作为StatusProvider
func StatusOf(maker *hardware.CoffeeMaker) StatusProvider {
	return func() interface{} {
		return maker.Status()
	}
}
