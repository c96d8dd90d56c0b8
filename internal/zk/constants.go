package zk

import "time"

// Protocol command codes. These are fixed vendor constants.
const (
	CMD_CONNECT       = 1000
	CMD_EXIT          = 1001
	CMD_ENABLEDEVICE  = 1002
	CMD_DISABLEDEVICE = 1003
	CMD_REFRESHDATA   = 1013
	CMD_GET_VERSION   = 1100
	CMD_AUTH          = 1102

	CMD_ACK_OK     = 2000
	CMD_ACK_ERROR  = 2001
	CMD_ACK_DATA   = 2002
	CMD_ACK_RETRY  = 2003
	CMD_ACK_REPEAT = 2004
	CMD_ACK_UNAUTH = 2005

	CMD_PREPARE_DATA   = 1500
	CMD_DATA           = 1501
	CMD_FREE_DATA      = 1502
	CMD_PREPARE_BUFFER = 1503
	CMD_READ_BUFFER    = 1504

	CMD_DB_RRQ          = 7
	CMD_USER_WRQ        = 8
	CMD_USERTEMP_RRQ    = 9
	CMD_OPTIONS_RRQ     = 11
	CMD_OPTIONS_WRQ     = 12
	CMD_ATTLOG_RRQ      = 13
	CMD_CLEAR_ATTLOG    = 15
	CMD_DELETE_USER     = 18
	CMD_DELETE_USERTEMP = 19
	CMD_TMP_WRITE       = 87
	CMD_GET_TIME        = 201
	CMD_SET_TIME        = 202
)

// Function codes carried by CMD_PREPARE_BUFFER requests.
const (
	FCT_ATTLOG    = 1
	FCT_FINGERTMP = 2
	FCT_USER      = 5
)

// User privilege levels.
const (
	LEVEL_USER  = 0
	LEVEL_ADMIN = 14
)

const (
	DefaultPort            = 4370
	DefaultTimeout         = 10 * time.Second
	DefaultTicks           = 50
	DefaultMaxTemplateSize = 2000
	DefaultMaxUID          = 3000

	// MaxBufferSize bounds every size a device declares for a frame, a
	// streamed reply or a buffered table.
	MaxBufferSize = 64 << 20

	headerSize         = 8
	tcpPrefixSize      = 8
	templateHeaderSize = 6
	maxTCPChunk        = 0xFFC0
	maxUDPChunk        = 16 * 1024
	replyIDWrap        = 0xFFFF
)

var tcpMagic = [4]byte{0x50, 0x50, 0x82, 0x7d}

// readFingerTemplatesRequest is the fixed CMD_PREPARE_BUFFER payload asking
// for the EF_FINGER table (command CMD_DB_RRQ, function FCT_FINGERTMP).
var readFingerTemplatesRequest = []byte{0x01, 0x07, 0x00, FCT_FINGERTMP, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// readUsersRequest asks for the user table (command 9, function FCT_USER).
var readUsersRequest = []byte{0x01, 0x09, 0x00, FCT_USER, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// readAttendanceRequest asks for the attendance log (command 13).
var readAttendanceRequest = []byte{0x01, 0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
