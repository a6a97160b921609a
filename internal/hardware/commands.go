package hardware

import (
	"fmt"
	"strings"

	"github.com/wfunc/jutta-brewer/internal/errors"
)

// 命令结束符
const CommandTerminator = "\r\n"

// 机器命令（均以CR LF结尾）
const (
	CmdPowerOff    = "AN:01\r\n"
	CmdTestModeOn  = "AN:20\r\n"
	CmdTestModeOff = "AN:21\r\n"
	CmdGetType     = "TY:\r\n"

	CmdButton1 = "FA:04\r\n"
	CmdButton2 = "FA:05\r\n"
	CmdButton3 = "FA:06\r\n"
	CmdButton4 = "FA:07\r\n"
	CmdButton5 = "FA:08\r\n"
	CmdButton6 = "FA:09\r\n"

	CmdBrewGroupToBrewingPosition = "FN:22\r\n"
	CmdBrewGroupReset             = "FN:0D\r\n"

	CmdGrinderOn  = "FN:07\r\n"
	CmdGrinderOff = "FN:08\r\n"
	CmdPressOn    = "FN:0B\r\n"
	CmdPressOff   = "FN:0C\r\n"
	CmdHeaterOn   = "FN:03\r\n"
	CmdHeaterOff  = "FN:04\r\n"
	CmdPumpOn     = "FN:01\r\n"
	CmdPumpOff    = "FN:02\r\n"
)

// 响应
const (
	ResponseAck        = "ok:\r\n"
	ResponseTypePrefix = "ty:"
)

// Button 机器面板按键
type Button int

const (
	Button1 Button = 1
	Button2 Button = 2
	Button3 Button = 3
	Button4 Button = 4
	Button5 Button = 5
	Button6 Button = 6

	// ButtonPageToggle 翻页键
	ButtonPageToggle = Button6
)

var buttonCommands = map[Button]string{
	Button1: CmdButton1,
	Button2: CmdButton2,
	Button3: CmdButton3,
	Button4: CmdButton4,
	Button5: CmdButton5,
	Button6: CmdButton6,
}

// Command 返回按键对应的线路命令
func (b Button) Command() (string, error) {
	cmd, ok := buttonCommands[b]
	if !ok {
		return "", errors.Newf(errors.ErrUnknownButton, "button %d", int(b))
	}
	return cmd, nil
}

// Drink 饮品类型
type Drink int

const (
	DrinkEspresso Drink = iota
	DrinkCoffee
	DrinkCappuccino
	DrinkMilkFoam
	DrinkCaffeBarista
	DrinkLungoBarista
	DrinkEspressoDoppio
	DrinkMacchiato
)

// NumPages 面板页数
const NumPages = 2

// drinkSlot 饮品所在的页和按键
type drinkSlot struct {
	name   string
	page   int
	button Button
}

var drinkTable = map[Drink]drinkSlot{
	DrinkEspresso:       {"espresso", 0, Button1},
	DrinkCoffee:         {"coffee", 0, Button2},
	DrinkCappuccino:     {"cappuccino", 0, Button4},
	DrinkMilkFoam:       {"milk_foam", 0, Button5},
	DrinkCaffeBarista:   {"caffe_barista", 1, Button1},
	DrinkLungoBarista:   {"lungo_barista", 1, Button2},
	DrinkEspressoDoppio: {"espresso_doppio", 1, Button4},
	DrinkMacchiato:      {"macchiato", 1, Button5},
}

// String 返回饮品名称
func (d Drink) String() string {
	if slot, ok := drinkTable[d]; ok {
		return slot.name
	}
	return fmt.Sprintf("drink(%d)", int(d))
}

// Page 返回饮品所在页
func (d Drink) Page() (int, error) {
	slot, ok := drinkTable[d]
	if !ok {
		return 0, errors.Newf(errors.ErrUnknownDrink, "drink %d", int(d))
	}
	return slot.page, nil
}

// Button 返回饮品对应的按键
func (d Drink) Button() (Button, error) {
	slot, ok := drinkTable[d]
	if !ok {
		return 0, errors.Newf(errors.ErrUnknownDrink, "drink %d", int(d))
	}
	return slot.button, nil
}

// Drinks 返回全部饮品，按编号排序
func Drinks() []Drink {
	drinks := make([]Drink, 0, len(drinkTable))
	for d := DrinkEspresso; d <= DrinkMacchiato; d++ {
		drinks = append(drinks, d)
	}
	return drinks
}

// ParseDrink 按名称解析饮品，不区分大小写，支持连字符
func ParseDrink(name string) (Drink, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for d, slot := range drinkTable {
		if slot.name == normalized {
			return d, nil
		}
	}
	return 0, errors.Newf(errors.ErrUnknownDrink, "drink %q", name)
}
