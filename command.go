package espboot

import "fmt"

// Command is a ROM bootloader opcode.
type Command uint8

// Bootloader commands. CommandNone doubles as the "unrecognized" value
// returned by the CommandTable for bytes that are not opcodes.
const (
	CommandNone       Command = 0x00
	CommandFlashBegin Command = 0x02
	CommandFlashData  Command = 0x03
	CommandFlashEnd   Command = 0x04
	CommandMemBegin   Command = 0x05
	CommandMemEnd     Command = 0x06
	CommandMemData    Command = 0x07
	CommandSync       Command = 0x08
	CommandWriteReg   Command = 0x09
	CommandReadReg    Command = 0x0A
)

var commandNames = map[Command]string{
	CommandNone:       "none",
	CommandFlashBegin: "flash_begin",
	CommandFlashData:  "flash_data",
	CommandFlashEnd:   "flash_end",
	CommandMemBegin:   "mem_begin",
	CommandMemEnd:     "mem_end",
	CommandMemData:    "mem_data",
	CommandSync:       "sync",
	CommandWriteReg:   "write_reg",
	CommandReadReg:    "read_reg",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(0x%02X)", uint8(c))
}

// CommandTable maps raw opcode bytes to known commands. It is built once with
// NewCommandTable and never modified afterwards.
type CommandTable struct {
	table [256]Command
}

// NewCommandTable builds the lookup table for all known commands. Every other
// byte value maps to CommandNone.
func NewCommandTable() *CommandTable {
	t := new(CommandTable)
	for cmd := range commandNames {
		t.table[cmd] = cmd
	}
	return t
}

// Lookup returns the command for the raw byte b, or CommandNone.
func (t *CommandTable) Lookup(b byte) Command {
	return t.table[b]
}
