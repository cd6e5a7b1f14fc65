package ui

import (
	"fmt"
	"os"
)

// PrintWelcome выводит приветствие и лого
func PrintWelcome() {
	logoBytes, err := os.ReadFile("logo.txt")
	if err == nil {
		fmt.Println(ColorCyan + string(logoBytes) + ColorReset)
	}
	fmt.Println(ColorBold + IconRobot + " renderBridge v0.1.0" + ColorReset)
	fmt.Println(ColorGray + "Генерация изображений через веб-интерфейс чат-сервиса" + ColorReset)
	fmt.Println()
	PrintHelp()
	fmt.Println(ColorCyan + IconBulb + " Совет:" + ColorReset + " Добавьте фото командой " + ColorYellow + "attach" + ColorReset + ", затем отправьте " + ColorYellow + "submit" + ColorReset + " с описанием")
	fmt.Println()
	fmt.Println(ColorGray + "⬆️ ⬇️" + ColorReset + " Используйте стрелки для навигации по истории команд")
	fmt.Println()
}

// PrintHelp выводит список доступных команд
func PrintHelp() {
	fmt.Println(ColorYellow + IconList + " Доступные команды:" + ColorReset)
	fmt.Println("  " + ColorGreen + "attach" + ColorReset + " <файл>       - Добавить изображение к запросу")
	fmt.Println("  " + ColorGreen + "attachments" + ColorReset + "         - Показать вложения")
	fmt.Println("  " + ColorGreen + "detach" + ColorReset + "              - Очистить вложения")
	fmt.Println("  " + ColorGreen + "submit" + ColorReset + " <текст>      - Отправить запрос и дождаться результата")
	fmt.Println("  " + ColorGreen + "jobs" + ColorReset + "                - Последние задания")
	fmt.Println("  " + ColorGreen + "job" + ColorReset + " <id>            - Детали задания")
	fmt.Println("  " + ColorGreen + "session" + ColorReset + "             - Состояние сессии")
	fmt.Println("  " + ColorGreen + "open" + ColorReset + "                - Запустить браузер и войти заранее")
	fmt.Println("  " + ColorGreen + "close" + ColorReset + "               - Закрыть браузер")
	fmt.Println("  " + ColorGreen + "clear" + ColorReset + "               - Очистить экран")
	fmt.Println("  " + ColorGreen + "exit" + ColorReset + "                - Выход")
	fmt.Println()
}
