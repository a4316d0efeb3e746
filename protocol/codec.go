package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrMalformedFrame 帧无法解析：未知类型、字段数量不符或字段不是合法整数
var ErrMalformedFrame = errors.New("malformed frame")

const (
	// FieldSep 字段分隔符
	FieldSep = ';'
	// Terminator 帧结束符，属于传输负载但不是数据
	Terminator = 0
)

// Direction 帧的传输方向；类型编号按方向各自独立编码
type Direction int

const (
	ToClient Direction = iota
	ToServer
)

func (d Direction) String() string {
	if d == ToServer {
		return "to-server"
	}
	return "to-client"
}

// Kind 帧类型，线上即首字节 ASCII 数字
type Kind byte

// 服务端 → 客户端
const (
	KindInit       Kind = '0'
	KindUpdate     Kind = '1'
	KindDisconnect Kind = '2'
)

// 客户端 → 服务端
const (
	KindClientUpdate Kind = '0'
)

// GroupSize 一个玩家位置组 (id, x, y) 的字段数
const GroupSize = 3

// schema 描述某类帧的字段形状：固定数量，或按组重复
type schema struct {
	name   string
	arity  int
	repeat bool
}

var schemas = map[Direction]map[Kind]schema{
	ToClient: {
		KindInit:       {name: "init", arity: 6},
		KindUpdate:     {name: "update", arity: GroupSize, repeat: true},
		KindDisconnect: {name: "disconnect", arity: 1},
	},
	ToServer: {
		KindClientUpdate: {name: "update", arity: GroupSize},
	},
}

// Frame 解码后的帧（PacketEnvelope）：方向、类型与有序整数字段
type Frame struct {
	Dir    Direction
	Kind   Kind
	Fields []int
}

// Name 返回类型的可读名称，便于日志
func (f Frame) Name() string {
	if s, ok := schemas[f.Dir][f.Kind]; ok {
		return s.name
	}
	return "unknown"
}

// Encode 编码：类型字节 + 以 ';' 分隔的十进制字段 + 结尾 NUL
func Encode(kind Kind, fields ...int) []byte {
	buf := make([]byte, 0, 1+len(fields)*5+1)
	buf = append(buf, byte(kind))
	for i, v := range fields {
		if i > 0 {
			buf = append(buf, FieldSep)
		}
		buf = strconv.AppendInt(buf, int64(v), 10)
	}
	return append(buf, Terminator)
}

// Decode 按方向解析一帧。扫描到第一个 NUL 或缓冲区末尾为止，先校验字段数量再解释数值。
func Decode(dir Direction, b []byte) (Frame, error) {
	if i := bytes.IndexByte(b, Terminator); i >= 0 {
		b = b[:i]
	}
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	kind := Kind(b[0])
	sc, ok := schemas[dir][kind]
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown kind %q (%s)", ErrMalformedFrame, b[0], dir)
	}

	var parts [][]byte
	if rest := b[1:]; len(rest) > 0 {
		parts = bytes.Split(rest, []byte{FieldSep})
	}
	if sc.repeat {
		if len(parts)%sc.arity != 0 {
			return Frame{}, fmt.Errorf("%w: %s has %d fields, want a multiple of %d", ErrMalformedFrame, sc.name, len(parts), sc.arity)
		}
	} else if len(parts) != sc.arity {
		return Frame{}, fmt.Errorf("%w: %s has %d fields, want %d", ErrMalformedFrame, sc.name, len(parts), sc.arity)
	}

	fields := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(string(p), 10, 32)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %s field %d %q", ErrMalformedFrame, sc.name, i, p)
		}
		fields[i] = int(v)
	}
	return Frame{Dir: dir, Kind: kind, Fields: fields}, nil
}

// Color 玩家颜色，每通道 0-255
type Color struct {
	R, G, B uint8
}

// Position 一个玩家的位置组
type Position struct {
	ID int
	X  int
	Y  int
}

// Init 服务端在连接建立后发给该客户端的初始化信息
type Init struct {
	ID    int
	X     int
	Y     int
	Color Color
}

func EncodeInit(in Init) []byte {
	return Encode(KindInit, in.ID, in.X, in.Y, int(in.Color.R), int(in.Color.G), int(in.Color.B))
}

// DecodeInit 从已解码的帧中取出初始化信息，颜色通道越界视为畸形帧
func DecodeInit(f Frame) (Init, error) {
	if f.Dir != ToClient || f.Kind != KindInit || len(f.Fields) != 6 {
		return Init{}, fmt.Errorf("%w: not an init frame", ErrMalformedFrame)
	}
	var rgb [3]uint8
	for i, v := range f.Fields[3:] {
		if v < 0 || v > math.MaxUint8 {
			return Init{}, fmt.Errorf("%w: color channel %d out of range", ErrMalformedFrame, v)
		}
		rgb[i] = uint8(v)
	}
	return Init{
		ID:    f.Fields[0],
		X:     f.Fields[1],
		Y:     f.Fields[2],
		Color: Color{R: rgb[0], G: rgb[1], B: rgb[2]},
	}, nil
}

// EncodeUpdate 广播帧：所有玩家的 (id, x, y) 平铺，无额外组分隔
func EncodeUpdate(groups []Position) []byte {
	fields := make([]int, 0, len(groups)*GroupSize)
	for _, g := range groups {
		fields = append(fields, g.ID, g.X, g.Y)
	}
	return Encode(KindUpdate, fields...)
}

func DecodeUpdate(f Frame) ([]Position, error) {
	if f.Dir != ToClient || f.Kind != KindUpdate || len(f.Fields)%GroupSize != 0 {
		return nil, fmt.Errorf("%w: not an update frame", ErrMalformedFrame)
	}
	groups := make([]Position, 0, len(f.Fields)/GroupSize)
	for i := 0; i < len(f.Fields); i += GroupSize {
		groups = append(groups, Position{ID: f.Fields[i], X: f.Fields[i+1], Y: f.Fields[i+2]})
	}
	return groups, nil
}

// EncodeClientUpdate 客户端上报自身状态（恰好一组）
func EncodeClientUpdate(p Position) []byte {
	return Encode(KindClientUpdate, p.ID, p.X, p.Y)
}

func DecodeClientUpdate(f Frame) (Position, error) {
	if f.Dir != ToServer || f.Kind != KindClientUpdate || len(f.Fields) != GroupSize {
		return Position{}, fmt.Errorf("%w: not a client update frame", ErrMalformedFrame)
	}
	return Position{ID: f.Fields[0], X: f.Fields[1], Y: f.Fields[2]}, nil
}

func EncodeDisconnect(id int) []byte {
	return Encode(KindDisconnect, id)
}

func DecodeDisconnect(f Frame) (int, error) {
	if f.Dir != ToClient || f.Kind != KindDisconnect || len(f.Fields) != 1 {
		return 0, fmt.Errorf("%w: not a disconnect frame", ErrMalformedFrame)
	}
	return f.Fields[0], nil
}
